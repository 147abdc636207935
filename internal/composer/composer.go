// Package composer implements the Dockerfile Composer (C3): it assembles a
// final Dockerfile from a bundled or custom base, an optional user overlay,
// and a fixed tail that installs dependencies and sets the entrypoint.
package composer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/streamhost/orchestrator/internal/requirements"
	"github.com/streamhost/orchestrator/pkg/apperr"
	"github.com/streamhost/orchestrator/pkg/models"
)

// Version is embedded in the labels block of every composed Dockerfile so
// that running containers can be traced back to the composer build that
// produced their image.
const Version = "1"

var tailTmpl = template.Must(template.New("tail").Parse(`
LABEL platform.app_id="{{.AppID}}" \
      platform.entry_file="{{.EntryFile}}" \
      platform.composer_version="{{.ComposerVersion}}"

{{if .HasRequirements}}COPY requirements.txt /app/requirements.txt
{{range .Problematic}}RUN pip install --no-cache-dir {{.}}
{{end}}RUN pip install --no-cache-dir -r /app/requirements.txt || \
    (grep -v '^\s*#' /app/requirements.txt | grep -v '^\s*$' | while read -r pkg; do \
        pip install --no-cache-dir "$pkg" || echo "warning: failed to install $pkg"; \
    done)
{{end}}
COPY . /app

RUN find /app -name '*.pyc' -delete && find /app -type d -name '__pycache__' -exec rm -rf {} + 2>/dev/null || true

USER streamlit

ENTRYPOINT ["streamlit", "run", "{{.EntryFile}}", "--server.port=8501", "--server.address=0.0.0.0", "--server.headless=true", "--server.enableCORS=false", "--server.enableXsrfProtection=false"]
`))

// Input carries everything Compose needs to produce a Dockerfile for a
// single app. BaseDir is the read-only directory holding the five bundled
// base Dockerfile variants.
type Input struct {
	AppID           string
	BaseDir         string
	BaseImageChoice models.BaseImageChoice
	CustomBaseImage string
	CustomOverlay   string
	EntryFile       string
	HasRequirements bool
	Classification  requirements.Classification
}

// Output is the composed Dockerfile along with metadata useful to callers
// (the selected variant, for logging, and the content hash for
// Deployment.DockerfileHash).
type Output struct {
	Dockerfile string
	Selected   models.BaseImageChoice
	Hash       string
}

var baseFileNames = map[models.BaseImageChoice]string{
	models.BaseImageMinimal:          "Dockerfile.minimal",
	models.BaseImagePy39:             "Dockerfile.py39",
	models.BaseImagePy310:            "Dockerfile.py310",
	models.BaseImagePy311:            "Dockerfile.py311",
	models.BaseImagePy310Datascience: "Dockerfile.py310-datascience",
}

// Select resolves "auto" against the requirements classification to a
// concrete bundled base variant per the composer's selection rule.
func Select(choice models.BaseImageChoice, class requirements.Classification) models.BaseImageChoice {
	if choice != models.BaseImageAuto {
		return choice
	}
	if class.NeedsDatascience {
		return models.BaseImagePy310Datascience
	}
	if len(class.Problematic) > 0 {
		return models.BaseImagePy311
	}
	return models.BaseImageMinimal
}

// Compose builds the final Dockerfile text for in. It is a pure function of
// its input plus the on-disk contents of the bundled base variants: calling
// it twice with the same input and the same BaseDir yields byte-identical
// output.
func Compose(in Input) (*Output, error) {
	if in.EntryFile == "" {
		return nil, apperr.New(apperr.InvalidInput, "entry_file is required")
	}

	var header string
	selected := in.BaseImageChoice
	if in.CustomBaseImage != "" {
		header = customBaseHeader(in.CustomBaseImage)
	} else {
		selected = Select(in.BaseImageChoice, in.Classification)
		name, ok := baseFileNames[selected]
		if !ok {
			return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown base image choice %q", selected))
		}
		content, err := os.ReadFile(filepath.Join(in.BaseDir, name))
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "reading bundled base dockerfile", err)
		}
		header = strings.TrimRight(string(content), "\n")
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")

	if in.CustomOverlay != "" {
		if strings.Contains(in.CustomOverlay, "FROM") {
			return nil, apperr.New(apperr.InvalidInput, "custom_overlay must not contain a FROM instruction")
		}
		sb.WriteString("\n# --- begin custom overlay ---\n")
		sb.WriteString(strings.TrimRight(in.CustomOverlay, "\n"))
		sb.WriteString("\n# --- end custom overlay ---\n")
	}

	tailData := struct {
		AppID           string
		EntryFile       string
		ComposerVersion string
		HasRequirements bool
		Problematic     []string
	}{
		AppID:           in.AppID,
		EntryFile:       in.EntryFile,
		ComposerVersion: Version,
		HasRequirements: in.HasRequirements,
		Problematic:     in.Classification.Problematic,
	}

	var tail strings.Builder
	if err := tailTmpl.Execute(&tail, tailData); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "rendering dockerfile tail", err)
	}
	sb.WriteString(tail.String())

	out := sb.String()
	sum := sha256.Sum256([]byte(out))

	return &Output{
		Dockerfile: out,
		Selected:   selected,
		Hash:       hex.EncodeToString(sum[:]),
	}, nil
}

func customBaseHeader(image string) string {
	return fmt.Sprintf(`FROM %s

RUN groupadd -r streamlit && useradd -r -g streamlit -m streamlit

WORKDIR /app

EXPOSE 8501

HEALTHCHECK --interval=30s --timeout=5s --start-period=10s --retries=3 \
    CMD curl -f http://localhost:8501/_stcore/health || exit 1
`, image)
}
