package policy

// DefaultDocument returns the policy scaffolded by `vigil init`: a five
// stage ladder with reminder, pre-release and full-disclosure windows.
//
// Rules are declared most-severe-first so a long-overdue timer lands on
// the right stage in a single tick under stop semantics.
func DefaultDocument() string {
	return `version: 1

states:
  - {name: OK, order: 0, outward_ok: false}
  - {name: REMIND_1, order: 1, outward_ok: false}
  - {name: REMIND_2, order: 2, outward_ok: false}
  - {name: PRE_RELEASE, order: 3, outward_ok: false}
  - {name: SITE_ONLY, order: 4, outward_ok: true}
  - {name: FULL, order: 5, outward_ok: true}

constants:
  remind_1_at_minutes: 360
  remind_2_at_minutes: 60
  pre_release_at_minutes: 15
  full_after_overdue_minutes: 120
  max_failed_attempts: 3
  adapter_timeout_seconds: 30
  breaker_failure_threshold: 3
  breaker_reset_timeout_seconds: 300
  breaker_half_open_max_calls: 1

rules:
  # Built-in invariants. Locked rules cannot be disabled; their semantics
  # are enforced by the engine itself.
  - id: renewal-reset
    description: a renewal observed at tick start resets the ladder
    when: {renewal.renewed_this_tick_eq: true}
    then: {set_state: OK}
    locked: true
    enabled: true
  - id: lockout
    description: freeze renewal acceptance after repeated bad secrets
    when: {renewal.failed_attempts_gte: $max_failed_attempts}
    then: {}
    locked: true
    enabled: true
  - id: monotonic-progression
    description: escalation never moves down except via renewal or release
    when: {}
    then: {}
    locked: true
    enabled: true

  - id: full-escalation
    description: full disclosure once the deadline is long past
    when:
      state_in: [OK, REMIND_1, REMIND_2, PRE_RELEASE, SITE_ONLY]
      time.overdue_minutes_gte: $full_after_overdue_minutes
    then: {set_state: FULL}
    stop: true
    enabled: true
  - id: pre-release
    description: last warning minutes before the deadline
    when:
      state_in: [OK, REMIND_1, REMIND_2]
      time.time_to_deadline_minutes_lte: $pre_release_at_minutes
    then: {set_state: PRE_RELEASE}
    stop: true
    enabled: true
  - id: remind-2
    description: second reminder close to the deadline
    when:
      state_in: [OK, REMIND_1]
      time.time_to_deadline_minutes_lte: $remind_2_at_minutes
    then: {set_state: REMIND_2}
    stop: true
    enabled: true
  - id: remind-1
    description: first reminder window
    when:
      state_is: OK
      time.time_to_deadline_minutes_lte: $remind_1_at_minutes
    then: {set_state: REMIND_1}
    stop: true
    enabled: true

plans:
  REMIND_1:
    - {id: remind_email_primary, adapter: email, channel: primary, template: remind_1}
  REMIND_2:
    - {id: remind_email_urgent, adapter: email, channel: primary, template: remind_2}
    - {id: remind_webhook, adapter: webhook, channel: ops, template: remind_2}
  PRE_RELEASE:
    - {id: warn_custodians, adapter: email, channel: custodian, template: pre_release}
    - {id: warn_webhook, adapter: webhook, channel: ops, template: pre_release}
  SITE_ONLY:
    - {id: publish_site, adapter: site_publish, channel: site, template: site_notice}
  FULL:
    - {id: publish_site, adapter: site_publish, channel: site, template: site_notice}
    - {id: notify_custodians, adapter: email, channel: custodian, template: full_disclosure}
    - {id: post_social, adapter: social, channel: broadcast, template: full_disclosure}
    - {id: archive_snapshot, adapter: archive, channel: archive, template: site_notice}
    - {id: mirror_site, adapter: mirror, channel: site, template: site_notice}
`
}
