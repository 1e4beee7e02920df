package intel

import "github.com/sentra-project/sentra/internal/core"

// Static mapping from detection rule to MITRE ATT&CK references. Kept
// deliberately coarse: one or two techniques per rule, the ones an analyst
// would reach for first.
var mitreByRule = map[string][]core.MitreRef{
	"brute_force": {
		{Tactic: "TA0006 Credential Access", Technique: "T1110 Brute Force"},
	},
	"sql_injection": {
		{Tactic: "TA0001 Initial Access", Technique: "T1190 Exploit Public-Facing Application"},
	},
	"xss": {
		{Tactic: "TA0001 Initial Access", Technique: "T1189 Drive-by Compromise"},
		{Tactic: "TA0002 Execution", Technique: "T1059.007 JavaScript"},
	},
	"file_upload": {
		{Tactic: "TA0003 Persistence", Technique: "T1505.003 Web Shell"},
	},
	"anomaly": {
		{Tactic: "TA0011 Command and Control", Technique: "T1071 Application Layer Protocol"},
	},
}

// MitreFor returns the deduplicated MITRE references for a set of findings.
func MitreFor(findings []core.Finding) []core.MitreRef {
	var out []core.MitreRef
	seen := make(map[string]bool)
	for _, f := range findings {
		for _, ref := range mitreByRule[f.Rule] {
			key := ref.Tactic + "/" + ref.Technique
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ref)
		}
	}
	return out
}
