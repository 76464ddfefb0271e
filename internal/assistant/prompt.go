package assistant

import (
	"fmt"
	"strings"

	"github.com/flowmerce/flowmerce/internal/analytics"
)

// DefaultSystemPrompt frames the model as an internal business assistant.
const DefaultSystemPrompt = "You are a helpful AI business assistant for internal use."

// Roles used in Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BusinessContext summarizes the month's sales in a sentence the model can use.
func BusinessContext(stats *analytics.MonthStats) string {
	var orders, revenue int64
	if stats != nil {
		orders = int64(stats.OrderCount)
		revenue = stats.Revenue
	}
	return fmt.Sprintf("This business has made %d orders this month, earning a total of KES %.2f in revenue. "+
		"The assistant should provide useful business insights and answer general questions clearly and helpfully.",
		orders, float64(revenue))
}

// BuildPrompt returns the chat sent to the model: the system prompt, then a
// user turn carrying the business context followed by the question.
func BuildPrompt(system string, stats *analytics.MonthStats, message string) []Message {
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}
	var b strings.Builder
	b.WriteString("Business Data:\n")
	b.WriteString(BusinessContext(stats))
	b.WriteString("\n\nUser Message:\n")
	b.WriteString(strings.TrimSpace(message))
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: b.String()},
	}
}
