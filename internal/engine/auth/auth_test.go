package auth

import "testing"

func TestGrantsHas(t *testing.T) {
	g := Grants{Permissions: []string{"card.read", "lease.*"}}
	cases := map[string]bool{
		"card.read":     true,
		"card.write":    false,
		"lease.claim":   true,
		"lease":         false,
		"leases.claim":  false,
		"approval.read": false,
	}
	for perm, want := range cases {
		if got := g.Has(perm); got != want {
			t.Fatalf("Has(%q) = %v, want %v", perm, got, want)
		}
	}
	if !(Grants{Permissions: []string{"*"}}).Has("anything") {
		t.Fatal("wildcard grant should allow every permission")
	}
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := ForbiddenError{ActorID: "bob", ProjectID: "demo", Permission: "card.write"}
	if got := err.Error(); got != "actor bob lacks permission card.write on project demo" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (ForbiddenError{Permission: "card.write"}).Error(); got != "permission card.write required" {
		t.Fatalf("unexpected message %q", got)
	}
}
