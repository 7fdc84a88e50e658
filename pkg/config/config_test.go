package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Both regular and scratch build tags must be deletable by the target
	// sweep out of the box.
	want := map[string]bool{"module-": false, "scrmod-": false}
	for _, p := range cfg.Reconciler.AllowedTargetPrefixes {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for prefix, seen := range want {
		if !seen {
			t.Fatalf("default allowed_target_prefixes missing %q: %#v",
				prefix, cfg.Reconciler.AllowedTargetPrefixes)
		}
	}

	if cfg.WorkerCount < 1 {
		t.Fatalf("default worker_count must be positive, got %d", cfg.WorkerCount)
	}
}

func TestValidateRejectsZeroDuration(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Reconciler.ResumeInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for zero resume_interval")
	}
}
