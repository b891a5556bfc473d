package alerts

import (
	"fmt"
	"strconv"

	"github.com/crewready/secwatch/pkg/types"
)

// classify compares v against t. It returns the breached severity and the
// bound that was met, or ok=false when v is below the warning value.
func classify(t types.Threshold, v float64) (sev types.Severity, bound float64, ok bool) {
	switch {
	case v >= t.Critical:
		return types.SeverityCritical, t.Critical, true
	case v >= t.Warning:
		return types.SeverityWarning, t.Warning, true
	default:
		return "", 0, false
	}
}

// message renders the one-line alert summary stored with the record.
func message(sev types.Severity, metric string, observed, bound float64) string {
	return fmt.Sprintf("[%s] %s reached %s (threshold %s)",
		sev, metric, formatValue(observed), formatValue(bound))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
