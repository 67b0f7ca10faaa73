package lifecycle

import (
	"fmt"
	"strings"

	"github.com/ethpandaops/trialctl/pkg/registry"
)

// NoTrialsSentinel is printed when the registry is empty.
const NoTrialsSentinel = "No Trials saved"

// Listing is the set of trials known to the registry.
type Listing struct {
	Trials []registry.Trial `json:"trials"`
}

// String renders the listing as "id | name | clientCode" lines under a
// "Trials: " header.
func (l *Listing) String() string {
	var sb strings.Builder

	sb.WriteString("Trials: \n")

	if len(l.Trials) == 0 {
		sb.WriteString(NoTrialsSentinel + "\n")

		return sb.String()
	}

	for _, t := range l.Trials {
		fmt.Fprintf(&sb, "%d | %s | %s\n", t.ID, t.Name, t.ClientCode)
	}

	return sb.String()
}
