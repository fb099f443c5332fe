package email

const (
	subjectStatusChanged        = "{{.kind}} is now {{.toStatus}}"
	subjectExternalEventApplied = "{{.provider}} event applied: {{.eventType}}"
	subjectExternalEventFailed  = "Action needed: {{.provider}} event {{.externalId}} was rejected"
)
