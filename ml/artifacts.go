package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	DefaultModelPrefix = "best_model"
	DefaultExtension   = ".joblib"
	DefaultScalerFile  = "scaler.joblib"
	DefaultEncoderFile = "label_encoder.joblib"
)

// SelectionPolicy picks the classifier file among matching candidates.
type SelectionPolicy string

const (
	// SelectLexical takes the lexicographically greatest filename.
	SelectLexical SelectionPolicy = "lexical"
	// SelectModTime takes the most recently modified file.
	SelectModTime SelectionPolicy = "modtime"
)

func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch SelectionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SelectLexical:
		return SelectLexical, nil
	case SelectModTime:
		return SelectModTime, nil
	default:
		return "", fmt.Errorf("unknown model selection policy %q", s)
	}
}

// Artifacts is one complete, read-only model set.
type Artifacts struct {
	Model     Classifier
	Scaler    Scaler
	Encoder   Encoder
	ModelFile string
}

type LoaderConfig struct {
	Dir         string
	ModelPrefix string
	Extension   string
	ScalerFile  string
	EncoderFile string
	Selection   SelectionPolicy
}

func (c LoaderConfig) withDefaults() LoaderConfig {
	if c.ModelPrefix == "" {
		c.ModelPrefix = DefaultModelPrefix
	}
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
	if c.ScalerFile == "" {
		c.ScalerFile = DefaultScalerFile
	}
	if c.EncoderFile == "" {
		c.EncoderFile = DefaultEncoderFile
	}
	if c.Selection == "" {
		c.Selection = SelectLexical
	}
	return c
}

type ArtifactLoader struct {
	config LoaderConfig
	logger *zap.Logger
}

func NewArtifactLoader(config LoaderConfig, logger *zap.Logger) *ArtifactLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactLoader{config: config.withDefaults(), logger: logger.Named("loader")}
}

func (l *ArtifactLoader) Config() LoaderConfig {
	return l.config
}

// Load returns a complete artifact set or an *Error with CodeArtifactNotFound
// or CodeArtifactLoadFailed.
func (l *ArtifactLoader) Load() (*Artifacts, error) {
	modelFile, err := l.SelectModelFile()
	if err != nil {
		return nil, err
	}

	model, err := loadFile(l, modelFile, DecodeClassifier)
	if err != nil {
		return nil, err
	}
	scaler, err := loadFile(l, l.config.ScalerFile, DecodeScaler)
	if err != nil {
		return nil, err
	}
	encoder, err := loadFile(l, l.config.EncoderFile, DecodeEncoder)
	if err != nil {
		return nil, err
	}

	if !featureOrderMatches(scaler, FeatureNames()) {
		return nil, newError(CodeArtifactLoadFailed, nil,
			"scaler feature order %v does not match %v", scaler.(FeatureNamer).FeatureNames(), FeatureNames())
	}
	if counter, ok := model.(ClassCounter); ok && counter.NumClasses() != len(encoder.ClassNames()) {
		return nil, newError(CodeArtifactLoadFailed, nil,
			"classifier has %d classes, encoder has %d", counter.NumClasses(), len(encoder.ClassNames()))
	}

	l.logger.Info("artifacts loaded",
		zap.String("dir", l.config.Dir),
		zap.String("model", modelFile),
		zap.Strings("classes", encoder.ClassNames()))
	return &Artifacts{Model: model, Scaler: scaler, Encoder: encoder, ModelFile: modelFile}, nil
}

// SelectModelFile returns the base name of the classifier to load.
func (l *ArtifactLoader) SelectModelFile() (string, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return "", newError(CodeArtifactNotFound, err, "read artifact dir %s", l.config.Dir)
	}

	type candidate struct {
		name    string
		modUnix int64
	}
	var candidates []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, l.config.ModelPrefix) || !strings.HasSuffix(name, l.config.Extension) {
			continue
		}
		c := candidate{name: name}
		if l.config.Selection == SelectModTime {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			c.modUnix = info.ModTime().UnixNano()
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return "", newError(CodeArtifactNotFound, nil,
			"no model matching %s*%s in %s", l.config.ModelPrefix, l.config.Extension, l.config.Dir)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if l.config.Selection == SelectModTime && candidates[i].modUnix != candidates[j].modUnix {
			return candidates[i].modUnix < candidates[j].modUnix
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[len(candidates)-1].name, nil
}

func loadFile[T any](l *ArtifactLoader, name string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	path := filepath.Join(l.config.Dir, name)
	payload, err := os.ReadFile(path)
	if err != nil {
		return zero, newError(CodeArtifactLoadFailed, err, "read %s", name)
	}
	l.logger.Debug("decoding artifact", zap.String("file", name), zap.String("size", humanize.Bytes(uint64(len(payload)))))
	out, err := decode(payload)
	if err != nil {
		return zero, newError(CodeArtifactLoadFailed, err, "decode %s", name)
	}
	return out, nil
}
