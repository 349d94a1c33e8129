// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the static extension descriptor and its
// on-disk format.
//
// Each installed extension is a directory containing an
// extension.jsonc manifest plus the files it references (the backend
// worker entrypoint and the UI bundle). Manifests are JSONC: JSON
// extended with // line comments, /* block comments */, and trailing
// commas, since they are authored by hand.
//
// Discovery scans an extensions directory once at startup and returns
// an immutable snapshot; picking up newly installed extensions
// requires an explicit rescan. Legacy manifests that predate the
// current schema are normalized at load time (see normalize.go) so the
// rest of the host only ever sees one schema.
package manifest
