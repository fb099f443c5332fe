package outbox

import "testing"

func TestInsertParamsValidate(t *testing.T) {
	valid := InsertParams{Channel: ChannelEmail, Recipient: "ops@example.com", TemplateKey: "status_changed"}
	if err := valid.validate(); err != nil {
		t.Fatalf("expected valid params, got %v", err)
	}

	cases := map[string]InsertParams{
		"unknown channel": {Channel: "pigeon", Recipient: "ops@example.com", TemplateKey: "status_changed"},
		"blank recipient": {Channel: ChannelSMS, Recipient: "   ", TemplateKey: "status_changed"},
		"no template":     {Channel: ChannelEmail, Recipient: "ops@example.com"},
	}
	for name, p := range cases {
		if err := p.validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
