// SPDX-License-Identifier: MPL-2.0

package profile

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// fileSections groups keys into the tables written by RenderFile. The
// loader flattens them again, so the grouping is cosmetic.
var fileSections = []struct {
	name string
	keys []string
}{
	{"network", []string{KeyNetworkDim, KeyNetworkAlpha, "network_dropout"}},
	{"training", []string{
		KeyResolution, "max_train_steps", KeyLearningRate, "lr_scheduler", "lr_warmup_steps",
		"lr_scheduler_num_cycles", KeyNoiseOffset, "min_snr_gamma", "gradient_accumulation_steps",
		"train_batch_size", "seed", "optimizer_type",
	}},
	{"bucket", []string{KeyMinBucketReso, KeyMaxBucketReso}},
	{"memory", []string{"mixed_precision", "save_precision", "blocks_to_swap"}},
	{"output", []string{"save_every_n_steps", "sample_every_n_steps", "sample_sampler"}},
	{"dataset", []string{"keep_tokens", "max_data_loader_n_workers"}},
}

// RenderFile renders p as a profile TOML file with one table per concern.
func RenderFile(name string, p Params) ([]byte, error) {
	doc := make(map[string]map[string]any, len(fileSections))
	for _, s := range fileSections {
		table := make(map[string]any, len(s.keys))
		for _, k := range s.keys {
			table[k] = p.Get(k)
		}
		doc[s.name] = table
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# FLUX.1-dev LoRA %s profile\n", name)
	fmt.Fprintf(&buf, "# Environment variables and --set assignments override these values.\n\n")
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode %s profile: %w", name, err)
	}
	return buf.Bytes(), nil
}
