// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/loractl/loractl/internal/cueutil"
	"github.com/loractl/loractl/internal/issue"
)

const (
	// HighLearningRate is the learning rate above which NaN losses become likely.
	HighLearningRate = 5e-4
	// HighNoiseOffset is the noise offset above which samples show artifacts.
	HighNoiseOffset = 0.15

	bucketStep = 64
)

type (
	// ResolveOptions tunes the post-merge rules.
	ResolveOptions struct {
		// AllowAlphaMismatch downgrades an explicit alpha != rank to a warning.
		AllowAlphaMismatch bool
	}

	// Adjustment records a value the resolver changed after merging.
	Adjustment struct {
		Key    string `json:"key" yaml:"key"`
		From   any    `json:"from" yaml:"from"`
		To     any    `json:"to" yaml:"to"`
		Reason string `json:"reason" yaml:"reason"`
	}

	// Resolution is the outcome of resolving one profile.
	Resolution struct {
		Profile     string            `json:"profile" yaml:"profile"`
		Params      Params            `json:"params" yaml:"params"`
		Sources     map[string]Source `json:"sources" yaml:"sources"`
		Origins     map[Source]string `json:"-" yaml:"-"`
		Warnings    []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
		Adjustments []Adjustment      `json:"adjustments,omitempty" yaml:"adjustments,omitempty"`
		UnknownKeys []string          `json:"unknown_keys,omitempty" yaml:"unknown_keys,omitempty"`
	}
)

// Resolve merges layers over the built-in defaults of the named profile and
// applies the alpha, bucket and guard rules. Layers are applied by Source,
// so a higher layer always beats a lower one regardless of argument order.
func Resolve(name string, opts ResolveOptions, layers ...Layer) (*Resolution, error) {
	params, err := Defaults(name)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("resolve profile").
			WithResource(name).
			WithSuggestion("Use --profile fast or --profile final").
			WithIssue(issue.ConfigInvalidId).
			Wrap(err).
			BuildError()
	}

	res := &Resolution{
		Profile: name,
		Sources: make(map[string]Source, len(fields)),
		Origins: map[Source]string{SourceDefault: "built-in " + name + " profile"},
	}
	for _, k := range Keys() {
		res.Sources[k] = SourceDefault
	}

	ordered := slices.Clone(layers)
	slices.SortStableFunc(ordered, func(a, b Layer) int { return cmp.Compare(a.Source, b.Source) })
	for _, l := range ordered {
		if l.Origin != "" {
			res.Origins[l.Source] = l.Origin
		}
		for _, k := range sortedKeys(l.Values) {
			params.set(k, l.Values[k])
			res.Sources[k] = l.Source
		}
		res.Warnings = append(res.Warnings, l.Warnings...)
		for _, u := range l.Unknown {
			if !slices.Contains(res.UnknownKeys, u) {
				res.UnknownKeys = append(res.UnknownKeys, u)
			}
		}
	}
	slices.Sort(res.UnknownKeys)
	for _, u := range res.UnknownKeys {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown profile key %q is ignored", u))
	}

	if err := res.syncAlpha(&params, opts); err != nil {
		return nil, err
	}
	res.bracketBuckets(&params)
	if err := guard(params); err != nil {
		return nil, err
	}

	if params.LearningRate > HighLearningRate {
		res.Warnings = append(res.Warnings, fmt.Sprintf("learning_rate %s may be too high (risk of NaN)", FormatValue(params.LearningRate)))
	}
	if params.NoiseOffset > HighNoiseOffset {
		res.Warnings = append(res.Warnings, fmt.Sprintf("noise_offset %s > %s may cause artifacts", FormatValue(params.NoiseOffset), FormatValue(HighNoiseOffset)))
	}

	res.Params = params
	return res, nil
}

// syncAlpha makes alpha follow rank unless alpha was set at a layer at or
// above the highest layer that set rank.
func (r *Resolution) syncAlpha(p *Params, opts ResolveOptions) error {
	rankSrc := r.Sources[KeyNetworkDim]
	alphaSrc := r.Sources[KeyNetworkAlpha]
	rank := float64(p.NetworkDim)

	explicit := alphaSrc > SourceDefault && alphaSrc >= rankSrc
	if !explicit {
		if p.NetworkAlpha != rank {
			r.Adjustments = append(r.Adjustments, Adjustment{
				Key:    KeyNetworkAlpha,
				From:   p.NetworkAlpha,
				To:     rank,
				Reason: fmt.Sprintf("follows network_dim set by %s", rankSrc),
			})
			p.NetworkAlpha = rank
		}
		r.Sources[KeyNetworkAlpha] = rankSrc
		return nil
	}

	if p.NetworkAlpha == rank {
		return nil
	}
	msg := fmt.Sprintf("network_alpha (%s, from %s) != network_dim (%d, from %s)",
		FormatValue(p.NetworkAlpha), alphaSrc, p.NetworkDim, rankSrc)
	if opts.AllowAlphaMismatch {
		r.Warnings = append(r.Warnings, msg+"; proceeding because the mismatch is allowed")
		return nil
	}
	return issue.NewErrorContext().
		WithOperation("resolve profile").
		WithResource(KeyNetworkAlpha).
		WithSuggestion("Set ALPHA to the same value as RANK, or leave it unset so it follows rank").
		WithSuggestion("Pass --allow-alpha-mismatch if the mismatch is intentional").
		WithIssue(issue.AlphaMismatchId).
		Wrap(errors.New(msg)).
		BuildError()
}

// bracketBuckets keeps resolution inside the bucket range.
func (r *Resolution) bracketBuckets(p *Params) {
	if p.Resolution > p.MaxBucketReso {
		to := (p.Resolution/bucketStep + 2) * bucketStep
		r.Adjustments = append(r.Adjustments, Adjustment{
			Key:    KeyMaxBucketReso,
			From:   p.MaxBucketReso,
			To:     to,
			Reason: fmt.Sprintf("must be >= resolution %d", p.Resolution),
		})
		p.MaxBucketReso = to
	}
	if p.MinBucketReso > p.Resolution/2 {
		to := max(256, (p.Resolution/4/bucketStep)*bucketStep)
		if to != p.MinBucketReso {
			r.Adjustments = append(r.Adjustments, Adjustment{
				Key:    KeyMinBucketReso,
				From:   p.MinBucketReso,
				To:     to,
				Reason: fmt.Sprintf("must be <= resolution/2 (%d)", p.Resolution/2),
			})
			p.MinBucketReso = to
		}
	}
}

// guard validates the merged parameters against the profile schema and the
// bucket bracket.
func guard(p Params) error {
	values := make(map[string]any, len(fields))
	for _, f := range p.Fields() {
		values[f.Key] = f.Value
	}
	if _, err := cueutil.DecodeValue[map[string]any](profileSchema, values, "#Profile", cueutil.WithFilename("resolved parameters")); err != nil {
		return invalid(err)
	}

	var problems []string
	if p.MinBucketReso%bucketStep != 0 {
		problems = append(problems, fmt.Sprintf("min_bucket_reso %d is not a multiple of %d", p.MinBucketReso, bucketStep))
	}
	if p.MaxBucketReso%bucketStep != 0 {
		problems = append(problems, fmt.Sprintf("max_bucket_reso %d is not a multiple of %d", p.MaxBucketReso, bucketStep))
	}
	if p.MinBucketReso > p.Resolution || p.Resolution > p.MaxBucketReso {
		problems = append(problems, fmt.Sprintf("resolution %d is outside the bucket range [%d, %d]", p.Resolution, p.MinBucketReso, p.MaxBucketReso))
	}
	if p.MinBucketReso >= p.MaxBucketReso {
		problems = append(problems, fmt.Sprintf("min_bucket_reso %d must be below max_bucket_reso %d", p.MinBucketReso, p.MaxBucketReso))
	}
	if len(problems) > 0 {
		return invalid(errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func invalid(err error) error {
	return issue.NewErrorContext().
		WithOperation("validate parameters").
		WithSuggestion("Run 'loractl profile show' to see where each value comes from").
		WithIssue(issue.ConfigInvalidId).
		Wrap(err).
		BuildError()
}
