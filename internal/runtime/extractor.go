package runtime

import (
	"context"

	"github.com/jward/isg/internal/extract"
)

// ScriptSpec declares a script-backed extractor.
type ScriptSpec struct {
	Language   string
	Extensions []string
	Confidence float64
	// Script is the path to the .risor file, relative to the runtime's
	// scripts directory or fs.FS. Defaults to ExtractionScriptPath(Language).
	Script string
}

// ScriptExtractor adapts a Risor script to extract.Extractor. The script sees
// the globals path, source and language and reports entities with emit.
type ScriptExtractor struct {
	rt   *Runtime
	spec ScriptSpec
}

var _ extract.Extractor = (*ScriptExtractor)(nil)

func NewScriptExtractor(rt *Runtime, spec ScriptSpec) *ScriptExtractor {
	if spec.Script == "" {
		spec.Script = ExtractionScriptPath(spec.Language)
	}
	if spec.Confidence == 0 {
		spec.Confidence = 0.5
	}
	return &ScriptExtractor{rt: rt, spec: spec}
}

func (x *ScriptExtractor) Language() string     { return x.spec.Language }
func (x *ScriptExtractor) Extensions() []string { return x.spec.Extensions }
func (x *ScriptExtractor) Confidence() float64  { return x.spec.Confidence }
func (x *ScriptExtractor) NeedsBuildInfo() bool { return false }

// Script is the script path the extractor runs.
func (x *ScriptExtractor) Script() string { return x.spec.Script }

func (x *ScriptExtractor) Extract(ctx context.Context, path string, content []byte) ([]extract.RawEntity, error) {
	src, err := x.rt.LoadScript(x.spec.Script)
	if err != nil {
		return nil, &extract.Error{Path: path, Language: x.spec.Language, Err: err}
	}

	sess := newSession()
	defer sess.close()
	err = x.rt.eval(ctx, sess, src, x.spec.Script, map[string]any{
		"path":     path,
		"source":   string(content),
		"language": x.spec.Language,
	})
	if err != nil {
		return nil, &extract.Error{Path: path, Language: x.spec.Language, Err: err}
	}
	return sess.entities, nil
}
