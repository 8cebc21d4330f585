package dispatcher

import (
	"time"

	"github.com/woosul/marketfabric/internal/model"
)

// CadencePolicy is one row of the process-wide page-class cadence
// table: a tagged variant over model.PageClass with a closed set of
// classes plus Unknown, expressed as a total function (policyFor)
// rather than a dict-with-default, per Design Notes §9.
type CadencePolicy struct {
	Enabled         bool
	BaseInterval    time.Duration
	Description     string
}

// CadenceTable holds the page-class policy defaults. Dashboard's base
// interval may be overridden at runtime by Settings.DashboardRefreshInterval.
type CadenceTable struct {
	dashboardBase time.Duration
}

// NewCadenceTable builds the table with a default Dashboard interval;
// the live value is always resolved through Settings at dispatch time.
func NewCadenceTable(defaultDashboardInterval time.Duration) *CadenceTable {
	return &CadenceTable{dashboardBase: defaultDashboardInterval}
}

// PolicyFor is the total function mapping every PageClass (including
// Unknown) to its cadence policy.
func (t *CadenceTable) PolicyFor(class model.PageClass, dashboardOverride time.Duration) CadencePolicy {
	switch class {
	case model.PageDashboard:
		interval := t.dashboardBase
		if dashboardOverride > 0 {
			interval = dashboardOverride
		}
		return CadencePolicy{Enabled: true, BaseInterval: interval, Description: "dashboard live view"}
	case model.PageOther:
		return CadencePolicy{Enabled: false, Description: "non-dashboard page"}
	default:
		return CadencePolicy{Enabled: false, Description: "unclassified page"}
	}
}
