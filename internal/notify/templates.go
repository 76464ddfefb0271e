package notify

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/flowmerce/flowmerce/internal/store"
)

var funcs = map[string]any{
	"kes":  func(v int64) string { return "KES " + formatAmount(v) },
	"date": func(t time.Time) string { return t.UTC().Format("2 January 2006") },
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}

const orderText = `Hello {{.Name}},

Your order #{{.Order.ID}} has been recorded ({{.Order.Status}}).
{{range .Order.Items}}
  {{.ProductTitle}} x{{.Quantity}}  {{kes .TotalPrice}}{{end}}

Total: {{kes .Order.Amount}}

Flowmerce
`

const orderHTML = `<p>Hello {{.Name}},</p>
<p>Your order <strong>#{{.Order.ID}}</strong> has been recorded ({{.Order.Status}}).</p>
<table>
{{range .Order.Items}}<tr><td>{{.ProductTitle}}</td><td>x{{.Quantity}}</td><td>{{kes .TotalPrice}}</td></tr>
{{end}}</table>
<p><strong>Total: {{kes .Order.Amount}}</strong></p>
<p>Flowmerce</p>
`

const activatedText = `Hello {{.Name}},

Your {{title .Plan}} subscription is active until {{date .EndDate}}.

Flowmerce
`

const activatedHTML = `<p>Hello {{.Name}},</p>
<p>Your <strong>{{title .Plan}}</strong> subscription is active until {{date .EndDate}}.</p>
<p>Flowmerce</p>
`

const expiredText = `Hello {{.Name}},

Your {{title .Plan}} subscription ended on {{date .EndDate}}. Renew it to keep using Flowmerce.

Flowmerce
`

const expiredHTML = `<p>Hello {{.Name}},</p>
<p>Your <strong>{{title .Plan}}</strong> subscription ended on {{date .EndDate}}. Renew it to keep using Flowmerce.</p>
<p>Flowmerce</p>
`

type template struct {
	text *texttemplate.Template
	html *htmltemplate.Template
}

func mustTemplate(name, text, html string) template {
	return template{
		text: texttemplate.Must(texttemplate.New(name).Funcs(funcs).Parse(text)),
		html: htmltemplate.Must(htmltemplate.New(name).Funcs(funcs).Parse(html)),
	}
}

var (
	orderTmpl     = mustTemplate("order", orderText, orderHTML)
	activatedTmpl = mustTemplate("activated", activatedText, activatedHTML)
	expiredTmpl   = mustTemplate("expired", expiredText, expiredHTML)
)

func (t template) render(to, subject string, data any) (Email, error) {
	var text, html bytes.Buffer
	if err := t.text.Execute(&text, data); err != nil {
		return Email{}, err
	}
	if err := t.html.Execute(&html, data); err != nil {
		return Email{}, err
	}
	return Email{To: to, Subject: subject, Text: text.String(), HTML: html.String()}, nil
}

type orderData struct {
	Name  string
	Order *store.Order
}

type subscriptionData struct {
	Name    string
	Plan    string
	EndDate time.Time
}

// OrderConfirmation renders the mail sent after an order is recorded.
func OrderConfirmation(u *store.User, o *store.Order) (Email, error) {
	return orderTmpl.render(u.Email, "Order #"+itoa(o.ID)+" confirmed", orderData{Name: u.ShortName(), Order: o})
}

// SubscriptionActivated renders the mail sent when a subscription starts or is extended.
func SubscriptionActivated(u *store.User, plan string, end time.Time) (Email, error) {
	return activatedTmpl.render(u.Email, "Your Flowmerce subscription is active",
		subscriptionData{Name: u.ShortName(), Plan: plan, EndDate: end})
}

// SubscriptionExpired renders the mail sent when a subscription lapses.
func SubscriptionExpired(u *store.User, plan string, end time.Time) (Email, error) {
	return expiredTmpl.render(u.Email, "Your Flowmerce subscription has expired",
		subscriptionData{Name: u.ShortName(), Plan: plan, EndDate: end})
}
