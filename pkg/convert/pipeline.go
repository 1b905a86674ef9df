package convert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/security"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// scriptletAnalyzerVersion gates dedupe: a ConvertedPackage row is only
// treated as already-converted when it was produced by this exact
// analyzer version (§4.5 step 2, §8 property 5). Bumping it invalidates
// every previously converted row's dedupe eligibility without needing
// a schema migration.
const scriptletAnalyzerVersion = "analyzer-v1"

// detectedHookPayload is the wrapper actually stored in
// ConvertedPackage.DetectedHooks, carrying the analyzer version
// alongside the structured hooks it produced.
type detectedHookPayload struct {
	AnalyzerVersion string              `cbor:"analyzer_version"`
	Hooks           []types.DetectedHook `cbor:"hooks"`
}

// Config tunes a Pipeline's behavior.
type Config struct {
	Chunk                 ChunkConfig
	CaptureIntentEnabled  bool
	CaptureTimeout        time.Duration
	MinFidelityForCapture types.Fidelity // capture only runs when analyzer fidelity is below this
	Signer                *security.Signer
}

// DefaultConfig derives a Pipeline Config from a chunk target size in KiB.
func DefaultConfig(chunkSizeKiB int) Config {
	return Config{
		Chunk:                 DefaultChunkConfig(chunkSizeKiB),
		CaptureIntentEnabled:  true,
		CaptureTimeout:        5 * time.Second,
		MinFidelityForCapture: types.FidelityHigh,
	}
}

// Pipeline implements the Conversion Pipeline (§4.5).
type Pipeline struct {
	store  storage.Store
	cas    *cas.Store
	tmpDir string
	cfg    Config
}

// New creates a Pipeline that stores emitted Native Format packages
// under tmpDir and records ConvertedPackage rows in store.
func New(store storage.Store, casStore *cas.Store, tmpDir string, cfg Config) *Pipeline {
	return &Pipeline{store: store, cas: casStore, tmpDir: tmpDir, cfg: cfg}
}

// Result is the outcome of one Convert call.
type Result struct {
	Converted   *types.ConvertedPackage
	Meta        *PackageMetadata
	Hooks       types.Hooks
	NativePath  string // empty when Deduped
	Deduped     bool
}

// Convert reads the foreign package at srcPath, converts it to Native
// Format, and records a ConvertedPackage row (§4.5 steps 1-7).
func (p *Pipeline) Convert(ctx context.Context, format types.OriginalFormat, srcPath string) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ConversionDuration, string(format))

	checksum, err := sha256File(srcPath)
	if err != nil {
		metrics.ConversionsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, err
	}

	if existing, err := p.store.GetConvertedPackage(format, checksum); err == nil && existing != nil {
		if payload, ok := decodeHookPayload(existing.DetectedHooks); ok && payload.AnalyzerVersion == scriptletAnalyzerVersion {
			metrics.ConversionsTotal.WithLabelValues(string(format), "deduped").Inc()
			return &Result{Converted: existing, Deduped: true}, nil
		}
		// Stale algorithm version: delete and reconvert (§4.5 step 2).
		if err := p.store.DeleteConvertedPackage(existing.ID); err != nil {
			return nil, &errs.DatabaseError{Op: "delete-stale-converted-package", Err: err}
		}
	}

	select {
	case <-ctx.Done():
		return nil, &errs.Cancelled{Op: "convert:" + srcPath}
	default:
	}

	reader := ReaderFor(format)
	if reader == nil {
		return nil, &errs.ParseError{Format: string(format), Detail: "no reader for format"}
	}
	meta, err := reader.Read(srcPath)
	if err != nil {
		metrics.ConversionsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, err
	}

	hooks, detected, fidelity, err := p.analyzeScriptlets(ctx, meta.Scriptlets)
	if err != nil {
		return nil, err
	}

	nativePath := filepath.Join(p.tmpDir, fmt.Sprintf("%s-%s-%s.cny", meta.Name, meta.Version, uuid.NewString()[:8]))
	writer := &NativeWriter{ChunkConfig: p.cfg.Chunk, CAS: p.cas, Signer: p.cfg.Signer}
	provenance := ProvenanceInfo{UpstreamHash: "sha256:" + checksum, BuildTime: time.Time{}}
	if err := writer.Write(meta, hooks, provenance, nativePath); err != nil {
		metrics.ConversionsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, err
	}

	hookBytes, err := cbor.Marshal(detectedHookPayload{AnalyzerVersion: scriptletAnalyzerVersion, Hooks: detected})
	if err != nil {
		return nil, &errs.ParseError{Format: "convert", Detail: "encode detected hooks", Err: err}
	}

	converted := &types.ConvertedPackage{
		OriginalFormat:   format,
		OriginalChecksum: checksum,
		Fidelity:         fidelity,
		DetectedHooks:    hookBytes,
		CreatedAt:        time.Now(),
	}
	if err := p.store.UpsertConvertedPackage(converted); err != nil {
		metrics.ConversionsTotal.WithLabelValues(string(format), "error").Inc()
		return nil, &errs.DatabaseError{Op: "upsert-converted-package", Err: err}
	}

	metrics.ConversionsTotal.WithLabelValues(string(format), "converted").Inc()
	metrics.ConversionFidelity.WithLabelValues(string(fidelity)).Inc()

	if fidelity != types.FidelityHigh && fidelity != types.FidelityFull {
		log.WithComponent("convert").Warn().
			Str("package", meta.Name).Str("format", string(format)).Str("fidelity", string(fidelity)).
			Msg("conversion fidelity below High: original scriptlet is passed through verbatim")
	}

	return &Result{Converted: converted, Meta: meta, Hooks: hooks, NativePath: nativePath}, nil
}

// analyzeScriptlets runs the analyzer over every scriptlet, optionally
// falling back to captured-intent replay for ones the analyzer didn't
// fully recognize, and folds the results into one Hooks set and one
// overall Fidelity (the weakest of any scriptlet's own fidelity).
func (p *Pipeline) analyzeScriptlets(ctx context.Context, scriptlets []ScriptletRecord) (types.Hooks, []types.DetectedHook, types.Fidelity, error) {
	var hooks types.Hooks
	var detected []types.DetectedHook
	overall := types.FidelityFull

	for _, s := range scriptlets {
		found, unrecognized, total := AnalyzeScriptlet(s.Content)
		fidelity := Fidelity(unrecognized, total)

		if p.cfg.CaptureIntentEnabled && fidelityBelow(fidelity, p.cfg.MinFidelityForCapture) {
			captured, err := CaptureIntent(ctx, s.Interpreter, s.Content, p.cfg.CaptureTimeout)
			if err != nil {
				log.WithComponent("convert").Warn().Err(err).Msg("captured-intent replay failed, keeping analyzer-only hooks")
			} else if len(captured) > 0 {
				found = mergeDetectedHooks(found, captured)
				if fidelity == types.FidelityNone || fidelity == types.FidelityPartial {
					fidelity = types.FidelityHigh // the sandboxed replay recovered the rest of the intent
				}
			}
		}

		detected = append(detected, found...)
		applyDetectedHooks(&hooks, found)
		overall = worstFidelity(overall, fidelity)
	}
	if len(scriptlets) == 0 {
		overall = types.FidelityFull
	}
	return hooks, detected, overall, nil
}

func fidelityBelow(fidelity, threshold types.Fidelity) bool {
	rank := map[types.Fidelity]int{types.FidelityNone: 0, types.FidelityPartial: 1, types.FidelityHigh: 2, types.FidelityFull: 3}
	return rank[fidelity] < rank[threshold]
}

func mergeDetectedHooks(a, b []types.DetectedHook) []types.DetectedHook {
	return append(append([]types.DetectedHook{}, a...), b...)
}

func applyDetectedHooks(h *types.Hooks, detected []types.DetectedHook) {
	for _, d := range detected {
		switch d.Kind {
		case types.HookUser:
			if d.User != nil {
				h.Users = append(h.Users, *d.User)
			}
		case types.HookGroup:
			if d.Grp != nil {
				h.Groups = append(h.Groups, *d.Grp)
			}
		case types.HookDirectory:
			if d.Dir != nil {
				h.Directories = append(h.Directories, *d.Dir)
			}
		case types.HookSystemd:
			if d.Unit != nil {
				h.Systemd = append(h.Systemd, *d.Unit)
			}
		case types.HookTmpfiles:
			if d.Tmp != nil {
				h.Tmpfiles = append(h.Tmpfiles, *d.Tmp)
			}
		case types.HookSysctl:
			if d.Sys != nil {
				h.Sysctl = append(h.Sysctl, *d.Sys)
			}
		case types.HookAlternative:
			if d.Alt != nil {
				h.Alternatives = append(h.Alternatives, *d.Alt)
			}
		}
	}
}

func decodeHookPayload(b []byte) (*detectedHookPayload, bool) {
	if len(b) == 0 {
		return nil, false
	}
	var payload detectedHookPayload
	if err := cbor.Unmarshal(b, &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &errs.IOError{Op: "checksum", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Enhance runs the post-conversion enhancement pass (SUPPLEMENTED
// FEATURES #4): an idempotent, versioned pass that marks converted as
// "complete" at version and persists it, and is a no-op when it is
// already complete at that version. It adds no metadata (no provides, no
// SBOM entries) and does not re-run scriptlet analysis or content
// chunking.
func (p *Pipeline) Enhance(converted *types.ConvertedPackage, version string) error {
	if converted.EnhancementVersion == version && converted.EnhancementStatus == "complete" {
		return nil // already at this enhancement version
	}
	converted.EnhancementStatus = "complete"
	converted.EnhancementVersion = version
	if err := p.store.UpsertConvertedPackage(converted); err != nil {
		return &errs.DatabaseError{Op: "enhance-converted-package", Err: err}
	}
	return nil
}
