// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package version

// Version is set at link time with
// -ldflags "-X github.com/flatcar/update-engine/version.Version=..."
var Version = "was not built properly"
