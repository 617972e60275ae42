package actions

import (
	"strconv"

	"vigil/internal/policy"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// Pending is one plan entry due for execution, paired with its
// idempotency key.
type Pending struct {
	Def policy.ActionDef
	Key string
}

// Select returns the plan entries for the document's current stage that
// have not been attempted for this stage entry. Order follows the plan
// declaration. A stage with no plan yields nil. Keys with a failed or
// deferred receipt are skipped here too: re-attempts belong to the
// retry queue, never to plan selection.
func Select(doc *state.Document, snap *policy.Snapshot) []Pending {
	var out []Pending
	for _, def := range snap.ActionsFor(doc.Escalation.Stage) {
		key := state.ExecutionKey(doc.Escalation.Stage, def.ID, doc.Escalation.StageEnteredAt)
		if _, attempted := doc.Actions.Executed[key]; attempted {
			continue
		}
		out = append(out, Pending{Def: def, Key: key})
	}
	return out
}

// TemplateVars builds the substitution map for template rendering from
// the document and the tick's sampled time facts.
func TemplateVars(doc *state.Document, tf rules.TimeFacts, tickID string, def policy.ActionDef) map[string]string {
	return map[string]string{
		"project_id":               doc.Meta.ProjectID,
		"stage":                    doc.Escalation.Stage,
		"tick_id":                  tickID,
		"action_id":                def.ID,
		"channel":                  def.Channel,
		"time_to_deadline_minutes": strconv.Itoa(tf.TimeToDeadline),
		"time_to_deadline_hours":   strconv.Itoa(tf.TimeToDeadline / 60),
		"overdue_minutes":          strconv.Itoa(tf.Overdue),
		"overdue_hours":            strconv.Itoa(tf.Overdue / 60),
	}
}
