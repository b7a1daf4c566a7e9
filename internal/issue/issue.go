// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/exp/maps"

	"github.com/loractl/loractl/internal/logparse"
)

type Id int

const (
	NumericalInstabilityId Id = iota + 1
	OutOfMemoryId
	WeakIdentityId
	ModelFilesMissingId
	DatasetInvalidId
	TrainerFailedId
	ConfigInvalidId
	AlphaMismatchId
)

type MarkdownMsg string

// Fix is one suggested configuration change for a catalog entry.
type Fix struct {
	Setting string
	Change  string
}

type Issue struct {
	id      Id
	title   string
	symptom string
	mdMsg   MarkdownMsg
	fixes   []Fix
}

func (i *Issue) Id() Id {
	return i.id
}

// Title is the short headline shown in tables and the dashboard.
func (i *Issue) Title() string {
	return i.title
}

// Symptom describes what the operator observes.
func (i *Issue) Symptom() string {
	return i.symptom
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) Fixes() []Fix {
	return slices.Clone(i.fixes)
}

// Markdown returns the body followed by a markdown table of fixes.
func (i *Issue) Markdown() string {
	var sb strings.Builder
	sb.WriteString(string(i.mdMsg))
	if len(i.fixes) > 0 {
		sb.WriteString("\n\n## Suggested changes\n\n| Setting | Change |\n|---|---|\n")
		for _, f := range i.fixes {
			sb.WriteString("| `" + f.Setting + "` | " + f.Change + " |\n")
		}
	}
	return sb.String()
}

// Render renders the entry as terminal markdown with the given glamour style.
func (i *Issue) Render(stylePath string) (string, error) {
	return render(i.Markdown(), stylePath)
}

var (
	render = glamour.Render

	numericalInstabilityIssue = &Issue{
		id:      NumericalInstabilityId,
		title:   "Numerical instability",
		symptom: "loss becomes NaN or infinite",
		mdMsg: `
# Training diverged

The trainer reported a NaN or infinite loss. The adapter saved after this
point is unusable.

## Things you can try
- Lower the learning rate and restart from the last good checkpoint:
~~~
$ LEARNING_RATE=5e-5 RESUME_FROM=output/<run>-000500.safetensors loractl train
~~~
- Reduce noise offset, or enable min-SNR weighting.`,
		fixes: []Fix{
			{"LEARNING_RATE", "5e-5"},
			{"NOISE_OFFSET", "0.1 or lower"},
			{"SNR_GAMMA", "5"},
		},
	}

	outOfMemoryIssue = &Issue{
		id:      OutOfMemoryId,
		title:   "Out of GPU memory",
		symptom: "CUDA out of memory",
		mdMsg: `
# The GPU ran out of memory

FLUX.1-dev does not fit the available VRAM with the current settings.

## Things you can try
- Load the base model in fp8 and train at a lower resolution:
~~~
$ FP8_BASE=1 RESOLUTION=512 loractl train
~~~
- Swap more transformer blocks to the CPU.`,
		fixes: []Fix{
			{"FP8_BASE", "1"},
			{"RESOLUTION", "512"},
			{"blocks_to_swap", "24 (--set blocks_to_swap=24)"},
			{"BATCH_SIZE", "1"},
		},
	}

	weakIdentityIssue = &Issue{
		id:      WeakIdentityId,
		title:   "Weak identity",
		symptom: "samples do not resemble the subject",
		mdMsg: `
# The subject identity is weak

Training finished, but samples do not look like the subject.

## Things you can try
- Train longer with a larger rank, or switch to the final profile:
~~~
$ loractl train --profile final
~~~
- Use 20-30 varied, well-captioned images that all include the trigger token.`,
		fixes: []Fix{
			{"MAX_STEPS", "2500-3000"},
			{"RANK", "64"},
			{"--profile", "final"},
			{"dataset", "20-30 images, trigger token in every caption"},
		},
	}

	modelFilesMissingIssue = &Issue{
		id:      ModelFilesMissingId,
		title:   "Model files missing",
		symptom: "trainer cannot find model or encoder weights",
		mdMsg: `
# Model files are missing

The FLUX.1-dev transformer, autoencoder or text encoders were not found.
The trainer expects:

- ` + "`$MODEL_PATH/flux1-dev.safetensors`" + `
- ` + "`$MODEL_PATH/ae.safetensors`" + `
- ` + "`$TEXT_ENCODER_PATH/clip_l.safetensors`" + `
- ` + "`$TEXT_ENCODER_PATH/t5xxl_fp16.safetensors`" + `

## Things you can try
~~~
$ loractl config show
~~~`,
		fixes: []Fix{
			{"MODEL_PATH", "directory holding flux1-dev.safetensors and ae.safetensors"},
			{"TEXT_ENCODER_PATH", "directory holding clip_l and t5xxl_fp16"},
		},
	}

	datasetInvalidIssue = &Issue{
		id:      DatasetInvalidId,
		title:   "Dataset invalid",
		symptom: "no image/caption pairs found",
		mdMsg: `
# The dataset cannot be used

Every training image needs a caption file with the same base name, either
next to the image or in a sibling ` + "`captions/`" + ` directory.

## Things you can try
~~~
$ loractl dataset validate
$ loractl dataset analyze
~~~`,
		fixes: []Fix{
			{"DATA_DIR", "directory of images with matching .txt captions"},
			{"captions", "non-empty, containing the trigger token"},
		},
	}

	trainerFailedIssue = &Issue{
		id:      TrainerFailedId,
		title:   "Trainer failed",
		symptom: "trainer exited with a non-zero status",
		mdMsg: `
# The trainer process failed

Check the run log for the Python traceback. Re-run with ` + "`--dry-run`" + `
to inspect the exact command.

## Things you can try
~~~
$ loractl build --dry-run --show-repro
~~~`,
		fixes: []Fix{
			{"SDSCRIPTS", "path to a kohya-ss sd-scripts checkout"},
			{"TRAINER_EXTRA_ARGS", "remove flags the trainer does not accept"},
		},
	}

	configInvalidIssue = &Issue{
		id:      ConfigInvalidId,
		title:   "Configuration invalid",
		symptom: "a setting failed validation",
		mdMsg: `
# A setting is invalid

An environment variable, profile file value or ` + "`--set`" + ` override
could not be parsed or is out of range.

## Things you can try
~~~
$ loractl profile show --profile fast
$ loractl audit
~~~`,
		fixes: []Fix{
			{"configs/flux_<profile>.toml", "fix the reported key"},
			{"environment", "unset or correct the reported variable"},
		},
	}

	alphaMismatchIssue = &Issue{
		id:      AlphaMismatchId,
		title:   "Alpha mismatch",
		symptom: "network alpha differs from rank",
		mdMsg: `
# Alpha does not match rank

Alpha follows rank unless it is set explicitly. An explicit alpha that
differs from rank changes the effective learning rate of the adapter.`,
		fixes: []Fix{
			{"ALPHA", "same value as RANK"},
			{"--allow-alpha-mismatch", "accept the mismatch deliberately"},
		},
	}

	issues = map[Id]*Issue{
		numericalInstabilityIssue.id: numericalInstabilityIssue,
		outOfMemoryIssue.id:          outOfMemoryIssue,
		weakIdentityIssue.id:         weakIdentityIssue,
		modelFilesMissingIssue.id:    modelFilesMissingIssue,
		datasetInvalidIssue.id:       datasetInvalidIssue,
		trainerFailedIssue.id:        trainerFailedIssue,
		configInvalidIssue.id:        configInvalidIssue,
		alphaMismatchIssue.id:        alphaMismatchIssue,
	}

	symptomIssues = map[logparse.Symptom]Id{
		logparse.SymptomNaN:         NumericalInstabilityId,
		logparse.SymptomOOM:         OutOfMemoryId,
		logparse.SymptomMissingFile: ModelFilesMissingId,
		logparse.SymptomTraceback:   TrainerFailedId,
	}
)

func Get(id Id) *Issue {
	return issues[id]
}

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	out := maps.Values(issues)
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return out
}

// ForSymptom returns the catalog entry for a log symptom.
func ForSymptom(s logparse.Symptom) (Id, bool) {
	id, ok := symptomIssues[s]
	return id, ok
}

// Diagnose maps the symptoms seen in a log to catalog entries, most
// specific first. The generic trainer failure is listed only when nothing
// more specific matched.
func Diagnose(st logparse.State) []Id {
	var ids []Id
	for _, s := range st.Symptoms {
		id, ok := ForSymptom(s)
		if !ok || id == TrainerFailedId || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) == 0 && st.HasSymptom(logparse.SymptomTraceback) {
		ids = append(ids, TrainerFailedId)
	}
	return ids
}

// HintTable renders the symptom/fix table for the given entries, or for the
// whole catalog when ids is empty.
func HintTable(ids []Id) string {
	entries := Values()
	if len(ids) > 0 {
		entries = entries[:0:0]
		for _, id := range ids {
			if i := Get(id); i != nil {
				entries = append(entries, i)
			}
		}
	}

	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))).
		Headers("Issue", "Symptom", "Setting", "Change").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})

	for _, i := range entries {
		for n, f := range i.fixes {
			title, symptom := i.title, i.symptom
			if n > 0 {
				title, symptom = "", ""
			}
			t.Row(title, symptom, f.Setting, f.Change)
		}
	}
	return t.String()
}
