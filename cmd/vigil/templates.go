package main

// Default message templates scaffolded by `vigil init`. Placeholders are
// substituted per tick; unknown placeholders expand to nothing.
var defaultTemplates = map[string]string{
	"remind_1": `Subject: check-in reminder

Hi,

this is vigil for project {{project_id}}. The renewal deadline is
{{time_to_deadline_hours}} hours away. Renew to keep everything quiet.
`,
	"remind_2": `Subject: URGENT check-in reminder

Project {{project_id}}: only {{time_to_deadline_minutes}} minutes left
before the deadline. Renew now or escalation begins.
`,
	"pre_release": `Subject: final warning before disclosure

Project {{project_id}} is {{time_to_deadline_minutes}} minutes from its
deadline. If no renewal arrives, staged disclosure starts. Custodians:
be ready to act on the instructions you hold.
`,
	"site_notice": `# {{project_id}}

This page was published automatically because the operator missed their
renewal deadline by {{overdue_minutes}} minutes.

Stage: {{stage}}
`,
	"full_disclosure": `Project {{project_id}} has reached stage {{stage}}.

The operator has been unreachable for {{overdue_hours}} hours past the
deadline. Per standing instructions, the prepared material is now
published and custodians are asked to follow their briefing.
`,
}
