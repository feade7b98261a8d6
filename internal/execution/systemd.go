package execution

import (
	"fmt"
	"strings"
)

// DefaultUnitTemplate names the unit a daemon pipeline runs as.
const DefaultUnitTemplate = "pipeorch-%s.service"

// UnitName renders the systemd unit for pipeline. A template without %s is
// used as a prefix; a missing ".service" suffix is added.
func UnitName(template, pipeline string) string {
	template = strings.TrimSpace(template)
	if template == "" {
		template = DefaultUnitTemplate
	}
	var unit string
	if strings.Contains(template, "%s") {
		unit = fmt.Sprintf(template, pipeline)
	} else {
		unit = template + pipeline
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return unit
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
