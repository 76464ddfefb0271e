package billing

import (
	"fmt"
	"sort"

	"github.com/flowmerce/flowmerce/internal/apperr"
)

// Unlimited marks a limit that is not enforced.
const Unlimited = -1

// Plan names.
const (
	PlanBasic   = "basic"
	PlanPro     = "pro"
	PlanPremium = "premium"
)

// Plan describes a subscription tier. Prices are in KES per 30 days.
type Plan struct {
	Name             string `json:"name"`
	Title            string `json:"title"`
	Price            int64  `json:"price"`
	Currency         string `json:"currency"`
	MaxProducts      int    `json:"max_products"`      // Unlimited = no limit
	MaxStaff         int    `json:"max_staff"`         // Unlimited = no limit
	AssistantQueries int    `json:"assistant_queries"` // per calendar month; 0 = not included
}

// Plans maps plan names to their definitions.
var Plans = map[string]Plan{
	PlanBasic:   {Name: PlanBasic, Title: "Basic", Price: 1500, Currency: "KES", MaxProducts: 500, MaxStaff: 1, AssistantQueries: 0},
	PlanPro:     {Name: PlanPro, Title: "Pro", Price: 2000, Currency: "KES", MaxProducts: 1000, MaxStaff: 3, AssistantQueries: 50},
	PlanPremium: {Name: PlanPremium, Title: "Premium", Price: 3500, Currency: "KES", MaxProducts: Unlimited, MaxStaff: Unlimited, AssistantQueries: Unlimited},
}

// GetPlan returns the named plan or a validation error.
func GetPlan(name string) (Plan, error) {
	p, ok := Plans[name]
	if !ok {
		return Plan{}, apperr.Invalid("plan", fmt.Sprintf("%q is not a valid plan", name))
	}
	return p, nil
}

// ListPlans returns every plan, cheapest first.
func ListPlans() []Plan {
	out := make([]Plan, 0, len(Plans))
	for _, p := range Plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
