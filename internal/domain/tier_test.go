package domain

import "testing"

func TestTierOrdering(t *testing.T) {
	if !(Tier1.Order() < Tier2.Order() && Tier2.Order() < Tier3.Order()) {
		t.Error("tiers must be totally ordered tier1 < tier2 < tier3")
	}
	if Tier("tier9").Order() != 0 {
		t.Error("unknown tier should have order 0")
	}
}

func TestTierNext(t *testing.T) {
	tests := []struct {
		tier   Tier
		want   Tier
		wantOK bool
	}{
		{Tier1, Tier2, true},
		{Tier2, Tier3, true},
		{Tier3, "", false},
		{Tier("bogus"), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, ok := tt.tier.Next()
			if ok != tt.wantOK {
				t.Errorf("Next() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Next() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTierNextNeverSkips(t *testing.T) {
	for _, tier := range []Tier{Tier1, Tier2} {
		next, ok := tier.Next()
		if !ok {
			t.Fatalf("%s should have a next tier", tier)
		}
		if next.Order() != tier.Order()+1 {
			t.Errorf("%s.Next() = %s, skips a level", tier, next)
		}
	}
}

func TestSubscriptionMaxTier(t *testing.T) {
	tests := []struct {
		level SubscriptionLevel
		want  Tier
	}{
		{SubscriptionFree, Tier1},
		{SubscriptionPro, Tier2},
		{SubscriptionPremium, Tier3},
		{SubscriptionLevel("unknown"), Tier1},
	}

	for _, tt := range tests {
		if got := tt.level.MaxTier(); got != tt.want {
			t.Errorf("%s.MaxTier() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestProviderDescriptorModelFor(t *testing.T) {
	d := ProviderDescriptor{
		Name:   "openai",
		Models: map[Tier]string{Tier1: "gpt-4o-mini", Tier2: "gpt-4o"},
	}

	if m, ok := d.ModelFor(Tier1); !ok || m != "gpt-4o-mini" {
		t.Errorf("ModelFor(tier1) = %q, %v", m, ok)
	}
	if _, ok := d.ModelFor(Tier3); ok {
		t.Error("ModelFor(tier3) should report no model")
	}
}
