// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// DecodeFunc decodes one encoded image from a reader.
type DecodeFunc func(r io.Reader) (image.Image, error)

var (
	muEngines sync.Mutex
	engines   = map[string]DecodeFunc{}
)

// RegisterEngine registers a named image decode engine. It panics if the
// name is already taken.
func RegisterEngine(name string, fn DecodeFunc) {
	muEngines.Lock()
	defer muEngines.Unlock()
	if _, found := engines[name]; found {
		panic(errors.Errorf("datasets: decode engine %q registered twice", name))
	}
	engines[name] = fn
}

// EngineByName returns a registered decode engine. The empty name selects
// "imaging".
func EngineByName(name string) (DecodeFunc, error) {
	muEngines.Lock()
	defer muEngines.Unlock()
	if name == "" {
		name = "imaging"
	}
	fn, found := engines[name]
	if !found {
		return nil, errors.Errorf("datasets: unknown decode engine %q, known engines "+
			"are %v", name, engineNamesLocked())
	}
	return fn, nil
}

// EngineNames lists the registered engine names, sorted.
func EngineNames() []string {
	muEngines.Lock()
	defer muEngines.Unlock()
	return engineNamesLocked()
}

func engineNamesLocked() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	stdDecode := func(r io.Reader) (image.Image, error) {
		img, _, err := image.Decode(r)
		return img, err
	}
	imagingDecode := func(r io.Reader) (image.Image, error) {
		return imaging.Decode(r, imaging.AutoOrientation(true))
	}
	RegisterEngine("stdimage", stdDecode)
	RegisterEngine("imaging", imagingDecode)

	// Aliases kept for configurations written against other tooling.
	RegisterEngine("pil", stdDecode)
	RegisterEngine("cv2", imagingDecode)
}
