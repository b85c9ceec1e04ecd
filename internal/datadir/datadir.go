// Package datadir owns the naming scheme of the managed storage directory.
// Every voice, output and temporary file lives directly under one directory
// and is keyed by a random hexadecimal identifier.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	dirPermissions = 0o755

	wavExt     = ".wav"
	mp3Ext     = ".mp3"
	partialExt = ".partial"

	outputPrefix = "output_"
	tempPrefix   = "temp_"
)

// FileKind classifies a file name found in the managed directory.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindVoice
	KindStagedVoice
	KindOutputRaw
	KindOutputPackaged
	KindOutputPartial
	KindTemp
)

var (
	voiceName   = regexp.MustCompile(`^([0-9a-f]{32})\.wav$`)
	stagedName  = regexp.MustCompile(`^([0-9a-f]{32})\.wav\.partial$`)
	outRawName  = regexp.MustCompile(`^output_([0-9a-f]{32})\.wav$`)
	outPkgName  = regexp.MustCompile(`^output_([0-9a-f]{32})\.mp3$`)
	outPartName = regexp.MustCompile(`^output_([0-9a-f]{32})\.mp3\.partial$`)
	tempName    = regexp.MustCompile(`^temp_([0-9a-f]{32})$`)
)

// Layout resolves paths inside the managed directory.
type Layout struct {
	dir string
}

// Open ensures dir exists and returns its layout.
func Open(dir string) (Layout, error) {
	if dir == "" {
		return Layout{}, fmt.Errorf("data dir must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, dirPermissions); err != nil {
		return Layout{}, fmt.Errorf("create data dir: %w", err)
	}
	return Layout{dir: abs}, nil
}

// NewID returns a fresh 32 character lowercase hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (l Layout) Dir() string { return l.dir }

func (l Layout) VoicePath(voiceID string) string {
	return filepath.Join(l.dir, voiceID+wavExt)
}

// StagedVoicePath is where a normalized sample waits until its registry
// record is committed.
func (l Layout) StagedVoicePath(voiceID string) string {
	return l.VoicePath(voiceID) + partialExt
}

func (l Layout) OutputRawPath(outputID string) string {
	return filepath.Join(l.dir, outputPrefix+outputID+wavExt)
}

func (l Layout) OutputPackagedPath(outputID string) string {
	return filepath.Join(l.dir, outputPrefix+outputID+mp3Ext)
}

func (l Layout) NewTempPath() string {
	return filepath.Join(l.dir, tempPrefix+NewID())
}

// Resolve maps a client supplied file name onto a managed file path. Names
// that are not managed, including anything containing a path separator, are
// rejected.
func (l Layout) Resolve(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) {
		return "", false
	}
	switch kind, _ := Classify(name); kind {
	case KindVoice, KindOutputRaw, KindOutputPackaged:
		return filepath.Join(l.dir, name), true
	default:
		return "", false
	}
}

// Classify reports the kind of a managed file name and the identifier it
// embeds.
func Classify(name string) (FileKind, string) {
	matchers := []struct {
		re   *regexp.Regexp
		kind FileKind
	}{
		{voiceName, KindVoice},
		{stagedName, KindStagedVoice},
		{outRawName, KindOutputRaw},
		{outPkgName, KindOutputPackaged},
		{outPartName, KindOutputPartial},
		{tempName, KindTemp},
	}
	for _, m := range matchers {
		if sub := m.re.FindStringSubmatch(name); sub != nil {
			return m.kind, sub[1]
		}
	}
	return KindUnknown, ""
}

// IsID reports whether s has the shape of a generated identifier.
func IsID(s string) bool {
	return voiceName.MatchString(s + wavExt)
}
