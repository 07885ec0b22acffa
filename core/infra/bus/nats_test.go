package bus

import (
	"testing"
	"time"
)

func TestNewPacketRoundTrip(t *testing.T) {
	type payload struct {
		SiteID string `json:"site_id"`
	}
	pkt, err := NewPacket("deploy.request", "trace-1", "ctl", payload{SiteID: "acme"})
	if err != nil {
		t.Fatalf("new packet: %v", err)
	}
	if pkt.Kind != "deploy.request" || pkt.TraceID != "trace-1" {
		t.Fatalf("unexpected envelope: %+v", pkt)
	}
	if pkt.CreatedAt.IsZero() {
		t.Fatalf("expected created_at set")
	}
	var out payload
	if err := pkt.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SiteID != "acme" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	var pkt *Packet
	if err := pkt.Decode(&struct{}{}); err == nil {
		t.Fatalf("expected error for nil packet")
	}
	if err := (&Packet{}).Decode(&struct{}{}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestInitJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !initJetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		SubjectDeploy:       true,
		SubjectResult:       true,
		"job.deploy.extra":  true,
		"sys.ping":          false,
		"deploy.progress.x": false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	if got := durableName(SubjectDeploy, QueueDeployers); got != "dur_deployers__job_deploy_site" {
		t.Fatalf("unexpected durable name: %s", got)
	}
	if got := durableName("job.*", ""); got != "dur_job_STAR" {
		t.Fatalf("unexpected durable name: %s", got)
	}
}

func TestComputeMsgID(t *testing.T) {
	if computeMsgID(SubjectDeploy, nil) != "" {
		t.Fatalf("expected empty id for nil packet")
	}
	if computeMsgID(SubjectDeploy, &Packet{Kind: "deploy.request"}) != "" {
		t.Fatalf("expected empty id without trace")
	}
	got := computeMsgID(SubjectDeploy, &Packet{Kind: "deploy.request", TraceID: "t1"})
	if got != "deploy.request:job.deploy.site:t1" {
		t.Fatalf("unexpected msg id: %s", got)
	}
}

func TestPublishNilBus(t *testing.T) {
	var b *NatsBus
	if err := b.Publish(SubjectDeploy, &Packet{}); err != errNilBus {
		t.Fatalf("expected errNilBus, got %v", err)
	}
}

func TestRetryAfter(t *testing.T) {
	err := RetryAfter(nil, -time.Second)
	delay, ok := RetryDelay(err)
	if !ok || delay != 0 {
		t.Fatalf("expected zero retry delay, got %v %v", delay, ok)
	}
	err = RetryAfter(errNilPacket, 5*time.Second)
	delay, ok = RetryDelay(err)
	if !ok || delay != 5*time.Second {
		t.Fatalf("expected 5s retry delay, got %v %v", delay, ok)
	}
	if _, ok := RetryDelay(errNilPacket); ok {
		t.Fatalf("plain errors must not be retryable")
	}
}
