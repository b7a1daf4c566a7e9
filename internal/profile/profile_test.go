// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/loractl/loractl/internal/issue"
	"github.com/loractl/loractl/internal/testutil"
)

func mustResolve(t *testing.T, name string, opts ResolveOptions, layers ...Layer) *Resolution {
	t.Helper()
	res, err := Resolve(name, opts, layers...)
	if err != nil {
		t.Fatalf("Resolve(%q) error = %v", name, err)
	}
	return res
}

func mustEnv(t *testing.T, environ map[string]string) Layer {
	t.Helper()
	l, err := EnvLayer(environ)
	if err != nil {
		t.Fatalf("EnvLayer() error = %v", err)
	}
	return l
}

func issueOf(t *testing.T, err error) issue.Id {
	t.Helper()
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("error type = %T, want *issue.ActionableError", err)
	}
	return ae.Issue
}

func TestDefaults(t *testing.T) {
	fast, err := Defaults(Fast)
	if err != nil {
		t.Fatal(err)
	}
	if fast.Resolution != 512 || fast.MaxTrainSteps != 1500 || fast.NetworkDim != 32 || fast.LRScheduler != "constant_with_warmup" {
		t.Errorf("fast = %+v", fast)
	}
	final, err := Defaults(Final)
	if err != nil {
		t.Fatal(err)
	}
	if final.NetworkDim != 64 || final.NetworkDropout != 0.1 || final.MinSNRGamma != 5.0 || final.MaxBucketReso != 1024 {
		t.Errorf("final = %+v", final)
	}

	_, err = Defaults("slow")
	if err == nil || !strings.Contains(err.Error(), "fast, final") {
		t.Errorf("Defaults(slow) error = %v, want known profiles listed", err)
	}
}

func TestResolve_AlphaEqualsRankForAllProfiles(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			res := mustResolve(t, name, ResolveOptions{})
			if res.Params.NetworkAlpha != float64(res.Params.NetworkDim) {
				t.Errorf("alpha = %v, rank = %d", res.Params.NetworkAlpha, res.Params.NetworkDim)
			}

			res = mustResolve(t, name, ResolveOptions{}, mustEnv(t, map[string]string{"RANK": "48"}))
			if res.Params.NetworkDim != 48 || res.Params.NetworkAlpha != 48 {
				t.Errorf("RANK=48: rank = %d, alpha = %v", res.Params.NetworkDim, res.Params.NetworkAlpha)
			}
			if res.Sources[KeyNetworkAlpha] != SourceEnv {
				t.Errorf("alpha source = %v, want env", res.Sources[KeyNetworkAlpha])
			}
		})
	}
}

func TestResolve_AlphaFollowsHigherRank(t *testing.T) {
	file := Layer{Source: SourceFile, Values: map[string]any{KeyNetworkDim: 48, KeyNetworkAlpha: 48.0}}
	env := mustEnv(t, map[string]string{"RANK": "64"})

	res := mustResolve(t, Final, ResolveOptions{}, file, env)
	if res.Params.NetworkAlpha != 64 {
		t.Errorf("alpha = %v, want 64 (follows env rank over file alpha)", res.Params.NetworkAlpha)
	}
	if len(res.Adjustments) != 1 || res.Adjustments[0].Key != KeyNetworkAlpha {
		t.Errorf("Adjustments = %+v, want one alpha adjustment", res.Adjustments)
	}
}

func TestResolve_ExplicitAlphaMismatch(t *testing.T) {
	env := mustEnv(t, map[string]string{"RANK": "32", "ALPHA": "16"})

	_, err := Resolve(Fast, ResolveOptions{}, env)
	if err == nil {
		t.Fatal("expected alpha mismatch error")
	}
	if got := issueOf(t, err); got != issue.AlphaMismatchId {
		t.Errorf("Issue = %d, want AlphaMismatchId", got)
	}

	res := mustResolve(t, Fast, ResolveOptions{AllowAlphaMismatch: true}, env)
	if res.Params.NetworkAlpha != 16 {
		t.Errorf("alpha = %v, want 16", res.Params.NetworkAlpha)
	}
	if !slices.ContainsFunc(res.Warnings, func(w string) bool { return strings.Contains(w, "network_alpha (16") }) {
		t.Errorf("Warnings = %v, want mismatch warning", res.Warnings)
	}
}

func TestResolve_AlphaAboveRankLayerIsExplicit(t *testing.T) {
	file := Layer{Source: SourceFile, Values: map[string]any{KeyNetworkDim: 48}}
	flags, err := FlagLayer([]string{"network_alpha=24"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(Fast, ResolveOptions{}, file, flags); err == nil {
		t.Error("flag alpha above file rank should be explicit and rejected")
	}
}

func TestResolve_Precedence(t *testing.T) {
	// file, env and flag values for every field that has an environment variable.
	values := map[string][3]string{
		"resolution":                  {"640", "576", "704"},
		"max_train_steps":             {"1000", "2000", "3000"},
		"network_dim":                 {"16", "24", "48"},
		"network_alpha":               {"8", "12", "20"},
		"lr_warmup_steps":             {"10", "20", "30"},
		"learning_rate":               {"1e-05", "2e-05", "3e-05"},
		"lr_scheduler":                {"constant", "cosine", "linear"},
		"noise_offset":                {"0.01", "0.02", "0.03"},
		"network_dropout":             {"0.01", "0.02", "0.03"},
		"min_snr_gamma":               {"1", "2", "3"},
		"gradient_accumulation_steps": {"1", "2", "8"},
		"train_batch_size":            {"2", "3", "4"},
		"seed":                        {"1", "2", "3"},
		"optimizer_type":              {"AdamW", "Lion", "Prodigy"},
		"min_bucket_reso":             {"128", "192", "64"},
		"max_bucket_reso":             {"640", "704", "1024"},
	}

	for _, key := range Keys() {
		envVar := EnvVar(key)
		if envVar == "" {
			continue
		}
		vals, ok := values[key]
		if !ok {
			t.Fatalf("no test values for %s", key)
		}
		t.Run(key, func(t *testing.T) {
			fileVal, err := coerce(key, vals[0])
			if err != nil {
				t.Fatal(err)
			}
			file := Layer{Source: SourceFile, Values: map[string]any{key: fileVal}}
			env := mustEnv(t, map[string]string{envVar: vals[1]})
			opts := ResolveOptions{AllowAlphaMismatch: true}

			res := mustResolve(t, Fast, opts, file, env)
			if got := FormatValue(res.Params.Get(key)); got != vals[1] {
				t.Errorf("env over file: %s = %s, want %s", key, got, vals[1])
			}
			if res.Sources[key] != SourceEnv {
				t.Errorf("source = %v, want env", res.Sources[key])
			}

			flags, err := FlagLayer([]string{key + "=" + vals[2]})
			if err != nil {
				t.Fatal(err)
			}
			// Argument order must not matter.
			res = mustResolve(t, Fast, opts, flags, env, file)
			if got := FormatValue(res.Params.Get(key)); got != vals[2] {
				t.Errorf("flag over env: %s = %s, want %s", key, got, vals[2])
			}
			if res.Sources[key] != SourceFlag {
				t.Errorf("source = %v, want flag", res.Sources[key])
			}
		})
	}
}

func TestEnvLayer(t *testing.T) {
	t.Run("empty values are ignored", func(t *testing.T) {
		l := mustEnv(t, map[string]string{"RANK": "  ", "MAX_STEPS": ""})
		if len(l.Values) != 0 {
			t.Errorf("Values = %v, want empty", l.Values)
		}
	})

	t.Run("UNET_LR beats LEARNING_RATE", func(t *testing.T) {
		l := mustEnv(t, map[string]string{"LEARNING_RATE": "1e-4", "UNET_LR": "5e-5"})
		if l.Values[KeyLearningRate] != 5e-5 {
			t.Errorf("learning_rate = %v, want 5e-5", l.Values[KeyLearningRate])
		}
	})

	t.Run("invalid values are errors", func(t *testing.T) {
		_, err := EnvLayer(map[string]string{"RANK": "sixty-four"})
		if err == nil {
			t.Fatal("expected parse error")
		}
		if got := issueOf(t, err); got != issue.ConfigInvalidId {
			t.Errorf("Issue = %d, want ConfigInvalidId", got)
		}
	})

	t.Run("unrelated variables are ignored", func(t *testing.T) {
		l := mustEnv(t, Environ([]string{"HOME=/root", "PATH=/bin", "SEED=7"}))
		if len(l.Values) != 1 || l.Values["seed"] != 7 {
			t.Errorf("Values = %v, want only seed", l.Values)
		}
	})
}

func TestFlagLayer(t *testing.T) {
	l, err := FlagLayer([]string{"blocks_to_swap=24", "RANK=16", "lr_scheduler=cosine"})
	if err != nil {
		t.Fatal(err)
	}
	if l.Values["blocks_to_swap"] != 24 || l.Values[KeyNetworkDim] != 16 || l.Values["lr_scheduler"] != "cosine" {
		t.Errorf("Values = %v", l.Values)
	}

	for _, bad := range []string{"blocks_to_swap", "nope=1", "resolution=big", "=3"} {
		if _, err := FlagLayer([]string{bad}); err == nil {
			t.Errorf("FlagLayer(%q) expected error", bad)
		}
	}
}

func TestResolve_BucketBracket(t *testing.T) {
	tests := []struct {
		name            string
		profile         string
		resolution      string
		wantMin, wantMax int
		wantAdjustments int
	}{
		{"fast defaults untouched", Fast, "", 256, 768, 0},
		{"fast raised resolution widens max", Fast, "1024", 256, 1152, 1},
		{"final lowered resolution narrows min", Final, "512", 256, 1024, 1},
		{"final at 2048 widens max", Final, "2048", 384, 2176, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := map[string]string{}
			if tt.resolution != "" {
				environ["RESOLUTION"] = tt.resolution
			}
			res := mustResolve(t, tt.profile, ResolveOptions{}, mustEnv(t, environ))
			p := res.Params
			if p.MinBucketReso != tt.wantMin || p.MaxBucketReso != tt.wantMax {
				t.Errorf("buckets = [%d, %d], want [%d, %d]", p.MinBucketReso, p.MaxBucketReso, tt.wantMin, tt.wantMax)
			}
			if len(res.Adjustments) != tt.wantAdjustments {
				t.Errorf("Adjustments = %+v, want %d", res.Adjustments, tt.wantAdjustments)
			}
			if p.MinBucketReso > p.Resolution || p.Resolution > p.MaxBucketReso || p.MinBucketReso >= p.MaxBucketReso {
				t.Errorf("bracket violated: min %d res %d max %d", p.MinBucketReso, p.Resolution, p.MaxBucketReso)
			}
		})
	}
}

func TestResolve_Guards(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"bucket not a multiple of 64", map[string]string{"MIN_BUCKET": "200"}},
		{"zero rank", map[string]string{"RANK": "0"}},
		{"negative steps", map[string]string{"MAX_STEPS": "-5"}},
		{"dropout of one", map[string]string{"DROPOUT": "1"}},
		{"negative noise", map[string]string{"NOISE_OFFSET": "-0.1"}},
		{"unknown scheduler", map[string]string{"SCHEDULER": "warp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(Fast, ResolveOptions{}, mustEnv(t, tt.environ))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if got := issueOf(t, err); got != issue.ConfigInvalidId {
				t.Errorf("Issue = %d, want ConfigInvalidId", got)
			}
		})
	}
}

func TestResolve_Warnings(t *testing.T) {
	res := mustResolve(t, Fast, ResolveOptions{}, mustEnv(t, map[string]string{"LEARNING_RATE": "1e-3", "NOISE_OFFSET": "0.2"}))
	joined := strings.Join(res.Warnings, "\n")
	if !strings.Contains(joined, "learning_rate 0.001 may be too high") {
		t.Errorf("Warnings = %v, want learning rate warning", res.Warnings)
	}
	if !strings.Contains(joined, "noise_offset 0.2 > 0.15") {
		t.Errorf("Warnings = %v, want noise offset warning", res.Warnings)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flux_fast.toml")
	testutil.MustWriteFile(t, path, `
[network]
network_dim = 48
network_module = "networks.lora"

[training]
max_train_steps = 2000
learning_rate = 1e-4
noise_offset = 0.05

[dataset]
train_batch_size = 1
`)

	l, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if l.Values[KeyNetworkDim] != 48 || l.Values["max_train_steps"] != 2000 || l.Values[KeyLearningRate] != 1e-4 {
		t.Errorf("Values = %v", l.Values)
	}
	if !slices.Equal(l.Unknown, []string{"network_module"}) {
		t.Errorf("Unknown = %v", l.Unknown)
	}
	if !slices.Equal(l.Sections, []string{"dataset", "network", "training"}) {
		t.Errorf("Sections = %v", l.Sections)
	}

	res := mustResolve(t, Fast, ResolveOptions{}, l)
	if res.Params.NetworkAlpha != 48 {
		t.Errorf("alpha = %v, want 48 (follows file rank)", res.Params.NetworkAlpha)
	}
	if !slices.Equal(res.UnknownKeys, []string{"network_module"}) {
		t.Errorf("UnknownKeys = %v", res.UnknownKeys)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	l, err := LoadFile(filepath.Join(t.TempDir(), "flux_final.toml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(l.Values) != 0 || len(l.Warnings) != 1 {
		t.Errorf("layer = %+v, want empty with one warning", l)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"syntax": "[training\nmax_train_steps = 1",
		"range":  "[training]\nlearning_rate = 2.0\n",
		"type":   "[network]\nnetwork_dim = \"big\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			testutil.MustWriteFile(t, path, body)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := issueOf(t, err); got != issue.ConfigInvalidId {
				t.Errorf("Issue = %d, want ConfigInvalidId", got)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	fast, _ := Defaults(Fast)
	final, _ := Defaults(Final)

	d, err := Diff("fast", "final", fast, final)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(d, "-network_dim = 32") || !strings.Contains(d, "+network_dim = 64") {
		t.Errorf("Diff() missing network_dim change:\n%s", d)
	}

	same, err := Diff("a", "b", fast, fast)
	if err != nil {
		t.Fatal(err)
	}
	if same != "" {
		t.Errorf("Diff() of equal params = %q, want empty", same)
	}
}
