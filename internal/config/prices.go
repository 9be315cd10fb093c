package config

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"mealcredits/internal/models"
)

// PriceSettings are the raw values a PriceCatalog is built from.
type PriceSettings struct {
	SinglePackPriceID string
	SinglePackCredits int
	PlanPackPriceID   string
	PlanPackCredits   int
	// ExtraJSON maps further price ids to grants:
	// {"price_x":{"kind":"single","amount":10,"name":"Big pack"}}
	ExtraJSON string
}

type extraGrant struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
	Name   string `json:"name"`
}

// PriceCatalog is the one price -> grant mapping shared by checkout and
// webhook settlement.
type PriceCatalog struct {
	byID map[string]models.PriceGrant
}

func BuildPriceCatalog(s PriceSettings) (PriceCatalog, error) {
	c := PriceCatalog{byID: map[string]models.PriceGrant{}}
	if id := strings.TrimSpace(s.SinglePackPriceID); id != "" {
		if err := c.add(models.PriceGrant{PriceID: id, Name: "single_pack", Grant: models.Grant{Kind: models.KindSingle, Amount: s.SinglePackCredits}}); err != nil {
			return PriceCatalog{}, err
		}
	}
	if id := strings.TrimSpace(s.PlanPackPriceID); id != "" {
		if err := c.add(models.PriceGrant{PriceID: id, Name: "plan_pack", Grant: models.Grant{Kind: models.KindSevenDayPlan, Amount: s.PlanPackCredits}}); err != nil {
			return PriceCatalog{}, err
		}
	}
	if strings.TrimSpace(s.ExtraJSON) == "" {
		return c, nil
	}
	var extra map[string]extraGrant
	if err := json.Unmarshal([]byte(s.ExtraJSON), &extra); err != nil {
		return PriceCatalog{}, fmt.Errorf("parse PRICE_GRANTS: %w", err)
	}
	for id, g := range extra {
		kind, err := models.ParseKind(g.Kind)
		if err != nil {
			return PriceCatalog{}, fmt.Errorf("price %s: %w", id, err)
		}
		name := g.Name
		if name == "" {
			name = id
		}
		if err := c.add(models.PriceGrant{PriceID: strings.TrimSpace(id), Name: name, Grant: models.Grant{Kind: kind, Amount: g.Amount}}); err != nil {
			return PriceCatalog{}, err
		}
	}
	return c, nil
}

func (c *PriceCatalog) add(p models.PriceGrant) error {
	if p.PriceID == "" {
		return fmt.Errorf("price id is required")
	}
	if p.Amount <= 0 || p.Amount > math.MaxInt32 {
		return fmt.Errorf("price %s: grant amount must be between 1 and %d", p.PriceID, math.MaxInt32)
	}
	if _, dup := c.byID[p.PriceID]; dup {
		return fmt.Errorf("price %s configured twice", p.PriceID)
	}
	c.byID[p.PriceID] = p
	return nil
}

func (c PriceCatalog) Lookup(priceID string) (models.PriceGrant, bool) {
	p, ok := c.byID[priceID]
	return p, ok
}

// List returns every configured price ordered by price id.
func (c PriceCatalog) List() []models.PriceGrant {
	out := make([]models.PriceGrant, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceID < out[j].PriceID })
	return out
}

func (c PriceCatalog) Len() int {
	return len(c.byID)
}

// SignupGrants is the starting balance for a newly verified user.
func (c Config) SignupGrants() []models.Grant {
	var grants []models.Grant
	if c.SignupSingleCredits > 0 {
		grants = append(grants, models.Grant{Kind: models.KindSingle, Amount: c.SignupSingleCredits})
	}
	if c.SignupPlanCredits > 0 {
		grants = append(grants, models.Grant{Kind: models.KindSevenDayPlan, Amount: c.SignupPlanCredits})
	}
	return grants
}
