package eventid

import "testing"

func strp(s string) *string { return &s }

func TestCreateDeterministic_SameInputsSameOutput(t *testing.T) {
	corr := strp("corr-1")
	caus := strp("caus-1")
	disc := strp("attempt:1")

	a, err := CreateDeterministic("req-1", "submission.prepared.v1", corr, caus, disc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := CreateDeterministic("req-1", "submission.prepared.v1", corr, caus, disc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic ids to match, got %q and %q", a, b)
	}
}

func TestCreateDeterministic_DifferingDiscriminatorDiffers(t *testing.T) {
	a, err := CreateDeterministic("req-1", "submission.prepared.v1", nil, nil, strp("attempt:1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := CreateDeterministic("req-1", "submission.prepared.v1", nil, nil, strp("attempt:2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Fatalf("expected differing discriminators to produce differing ids, both were %q", a)
	}
}

func TestCreateDeterministic_NilAndEmptyDiscriminatorAreEquivalent(t *testing.T) {
	a, err := CreateDeterministic("req-1", "request.discovered.v1", nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	empty := ""
	b, err := CreateDeterministic("req-1", "request.discovered.v1", nil, nil, &empty)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected nil discriminator to equal empty-string discriminator")
	}
}

func TestCreateDeterministic_RequiresAggregateIDAndEventType(t *testing.T) {
	if _, err := CreateDeterministic("", "some.type.v1", nil, nil, nil); err == nil {
		t.Fatal("expected error for empty aggregateId")
	}
	if _, err := CreateDeterministic("req-1", "", nil, nil, nil); err == nil {
		t.Fatal("expected error for empty eventType")
	}
}

func TestCreateDeterministic_IsURLSafe(t *testing.T) {
	id, err := CreateDeterministic("req-1", "job.terminal.v1", strp("c"), strp("c2"), strp("attempt:1|job:J-1|status:Pass"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			t.Fatalf("id %q contains non-URL-safe character %q", id, r)
		}
	}
}

func TestDiscriminator_JoinsParts(t *testing.T) {
	d := Discriminator("attempt:1", "job:J-1", "status:Pass")
	if *d != "attempt:1|job:J-1|status:Pass" {
		t.Fatalf("unexpected discriminator: %q", *d)
	}
}
