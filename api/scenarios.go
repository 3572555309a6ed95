/*
scenarios.go - Reference data loaders for demos and local development

PURPOSE:
  Populates leave types, the employee directory and yearly allocations so
  the API is usable without an external HR import.

AVAILABLE SCENARIOS:
  defaults:      Annual, Sick (optional certificate), Personal
  small-team:    Defaults plus three departments with reviewers and HR
  low-balance:   Defaults plus one employee with 1.5 annual days left

HOW SCENARIOS WORK:
  Every write is an upsert, so loading a scenario twice is harmless.
  Allocations that would fall under already used days fail with
  leave.ErrAllocationBelowUsage.

USAGE VIA API:
  POST /api/admin/scenarios/load
  {"scenario_id": "small-team", "year": 2025}

SEE ALSO:
  - cmd/server/main.go: Seeds defaults at startup
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/garrison/leave-engine/leave"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioDefaults   = "defaults"
	ScenarioSmallTeam  = "small-team"
	ScenarioLowBalance = "low-balance"
)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioDefaults,
		Name:        "Default Leave Types",
		Description: "Annual, Sick (certificate optional) and Personal leave",
	},
	{
		ID:          ScenarioSmallTeam,
		Name:        "Small Team",
		Description: "Engineering and operations with one reviewer each, plus HR",
	},
	{
		ID:          ScenarioLowBalance,
		Name:        "Low Balance",
		Description: "One employee with 1.5 annual days left, for insufficient balance checks",
	},
}

// Scenarios lists the loadable scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	copy(out, scenarios)
	return out
}

type allocation struct {
	user  leave.UserID
	typ   leave.LeaveTypeID
	total string
}

// standardAllocations is the yearly entitlement given to seeded employees.
var standardAllocations = map[leave.LeaveTypeID]string{
	"annual":   "20",
	"sick":     "10",
	"personal": "3",
}

// =============================================================================
// LOADERS
// =============================================================================

// SeedDefaults writes the default leave types.
func SeedDefaults(ctx context.Context, ref leave.ReferenceStore) error {
	for _, lt := range leave.DefaultLeaveTypes() {
		if err := ref.SaveLeaveType(ctx, lt); err != nil {
			return fmt.Errorf("save leave type %s: %w", lt.ID, err)
		}
	}
	return nil
}

// LoadScenario writes the reference data of scenario id for year.
func LoadScenario(ctx context.Context, ref leave.ReferenceStore, id string, year int) error {
	if err := SeedDefaults(ctx, ref); err != nil {
		return err
	}

	switch id {
	case ScenarioDefaults:
		return nil
	case ScenarioSmallTeam:
		return loadSmallTeam(ctx, ref, year)
	case ScenarioLowBalance:
		return loadLowBalance(ctx, ref, year)
	default:
		return fmt.Errorf("%w: scenario %q", leave.ErrNotFound, id)
	}
}

func loadSmallTeam(ctx context.Context, ref leave.ReferenceStore, year int) error {
	employees := []leave.Employee{
		{ID: "emp-001", Name: "Alice Johnson", DepartmentID: "eng"},
		{ID: "emp-002", Name: "Bob Smith", DepartmentID: "eng"},
		{ID: "rev-eng", Name: "Carol Diaz", DepartmentID: "eng"},
		{ID: "emp-003", Name: "Dan Okafor", DepartmentID: "ops"},
		{ID: "rev-ops", Name: "Erin Walsh", DepartmentID: "ops"},
		{ID: "hr-001", Name: "Farah Khan", DepartmentID: "hr"},
	}

	var allocs []allocation
	for _, e := range employees {
		if err := ref.SaveEmployee(ctx, e); err != nil {
			return fmt.Errorf("save employee %s: %w", e.ID, err)
		}
		for typ, total := range standardAllocations {
			allocs = append(allocs, allocation{user: e.ID, typ: typ, total: total})
		}
	}
	return allocate(ctx, ref, year, allocs)
}

func loadLowBalance(ctx context.Context, ref leave.ReferenceStore, year int) error {
	emp := leave.Employee{ID: "emp-low", Name: "Gus Lindqvist", DepartmentID: "eng"}
	if err := ref.SaveEmployee(ctx, emp); err != nil {
		return fmt.Errorf("save employee %s: %w", emp.ID, err)
	}
	return allocate(ctx, ref, year, []allocation{
		{user: emp.ID, typ: "annual", total: "1.5"},
		{user: emp.ID, typ: "sick", total: "10"},
	})
}

func allocate(ctx context.Context, ref leave.ReferenceStore, year int, allocs []allocation) error {
	for _, a := range allocs {
		key := leave.BalanceKey{UserID: a.user, LeaveTypeID: a.typ, Year: year}
		if err := ref.AllocateBalance(ctx, key, decimal.RequireFromString(a.total)); err != nil {
			return fmt.Errorf("allocate %s: %w", key, err)
		}
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Scenarios())
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	year := req.Year
	if year == 0 {
		year = h.now().Year()
	}

	if err := LoadScenario(r.Context(), h.Backend, req.ScenarioID, year); err != nil {
		h.writeError(w, r, storageErr("load scenario", err))
		return
	}
	h.logger.Info("scenario loaded",
		zap.String("scenario_id", req.ScenarioID),
		zap.Int("year", year),
		zap.String("actor_id", string(actorFrom(r).ID)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"scenario_id": req.ScenarioID, "year": year})
}
