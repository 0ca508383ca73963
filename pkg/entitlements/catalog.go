package entitlements

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Plan IDs shipped in the default catalog.
const (
	PlanFree         = "free"
	PlanAIEssentials = "ai_essentials"
	PlanPro          = "pro"
	PlanTeam         = "team"
)

// Feature is a single gateable capability within a plan.
type Feature struct {
	ID        string `json:"id"`
	Included  bool   `json:"included"`
	Unlimited bool   `json:"unlimited"`
	// Limit is nil when no numeric limit is recorded.
	Limit *int `json:"limit,omitempty"`
}

// Plan is a named bundle of features.
type Plan struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Price    float64   `json:"price"`
	Features []Feature `json:"features"`
}

// Feature returns the plan's feature with the given id.
func (p Plan) Feature(id string) (Feature, bool) {
	for _, f := range p.Features {
		if f.ID == id {
			return f, true
		}
	}
	return Feature{}, false
}

// Catalog is a read-only table of plans keyed by id.
type Catalog struct {
	plans map[string]Plan
	order []string
}

var errEmptyCatalog = errors.New("catalog has no plans")

// NewCatalog validates plans and builds a catalog. Plans are deep-copied.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errEmptyCatalog
	}
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		c.plans[p.ID] = clonePlan(p)
		c.order = append(c.order, p.ID)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		a, b := c.plans[c.order[i]], c.plans[c.order[j]]
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return a.ID < b.ID
	})
	return c, nil
}

// MustCatalog is NewCatalog for static tables; it panics on invalid input.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog parses a JSON document of the form {"plans": [...]}.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var doc struct {
		Plans []Plan `json:"plans"`
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(doc.Plans...)
}

// PlanByID looks up a plan. Unknown ids, and a nil catalog, report false.
func (c *Catalog) PlanByID(id string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, false
	}
	return clonePlan(p), true
}

// Plans lists plans ordered by price, then id.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, clonePlan(c.plans[id]))
	}
	return out
}

// Len returns the number of plans.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.plans)
}

func validatePlan(p Plan) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("plan id is required")
	}
	if p.Price < 0 {
		return fmt.Errorf("plan %q: negative price", p.ID)
	}
	seen := make(map[string]struct{}, len(p.Features))
	for _, f := range p.Features {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("plan %q: feature id is required", p.ID)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("plan %q: duplicate feature %q", p.ID, f.ID)
		}
		seen[f.ID] = struct{}{}
		if f.Unlimited && f.Limit != nil {
			return fmt.Errorf("plan %q: feature %q is unlimited but sets a limit", p.ID, f.ID)
		}
		if f.Limit != nil && *f.Limit < 0 {
			return fmt.Errorf("plan %q: feature %q has a negative limit", p.ID, f.ID)
		}
	}
	return nil
}

func clonePlan(p Plan) Plan {
	cp := p
	if p.Features != nil {
		cp.Features = make([]Feature, len(p.Features))
		for i, f := range p.Features {
			cp.Features[i] = f
			cp.Features[i].Limit = cloneIntPtr(f.Limit)
		}
	}
	return cp
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func limit(n int) *int { return &n }

func included(id string, n int) Feature { return Feature{ID: id, Included: true, Limit: limit(n)} }

func unlimited(id string) Feature { return Feature{ID: id, Included: true, Unlimited: true} }

func excluded(id string) Feature { return Feature{ID: id} }

// DefaultCatalog returns the plans shipped with the service.
func DefaultCatalog() *Catalog {
	return MustCatalog(
		Plan{
			ID:    PlanFree,
			Name:  "Free",
			Price: 0,
			Features: []Feature{
				included(FeatureAICoachBasic, 10),
				included(FeatureCodeAnalysisBasic, 5),
				excluded(FeatureInterviewPrep),
				included(FeatureProjects, 3),
				included(FeatureAssignments, 20),
				included(FeatureLessonGeneration, 3),
				excluded(FeatureVideoGeneration),
			},
		},
		Plan{
			ID:    PlanAIEssentials,
			Name:  "AI Essentials",
			Price: 9.99,
			Features: []Feature{
				included(FeatureAICoachBasic, 50),
				included(FeatureCodeAnalysisBasic, 25),
				included(FeatureInterviewPrep, 5),
				included(FeatureProjects, 10),
				unlimited(FeatureAssignments),
				included(FeatureLessonGeneration, 20),
				excluded(FeatureVideoGeneration),
			},
		},
		Plan{
			ID:    PlanPro,
			Name:  "Pro",
			Price: 19.99,
			Features: []Feature{
				unlimited(FeatureAICoachUnlimited),
				unlimited(FeatureCodeAnalysisUnlimited),
				included(FeatureInterviewPrep, 30),
				unlimited(FeatureProjects),
				unlimited(FeatureAssignments),
				unlimited(FeatureLessonGeneration),
				included(FeatureVideoGeneration, 5),
			},
		},
		Plan{
			ID:    PlanTeam,
			Name:  "Team",
			Price: 49.99,
			Features: []Feature{
				unlimited(FeatureAICoachUnlimited),
				unlimited(FeatureCodeAnalysisUnlimited),
				unlimited(FeatureInterviewPrep),
				unlimited(FeatureProjects),
				unlimited(FeatureAssignments),
				unlimited(FeatureLessonGeneration),
				included(FeatureVideoGeneration, 25),
			},
		},
	)
}
