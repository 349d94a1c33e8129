// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for host packages.
package testutil
