// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build identity of the agent.  The values are
// overridden at link time:
//
//	go build -ldflags "-X github.com/ribbit-network/frog-agent/version.Version=..."
package version

// Version is the firmware/agent version reported to the cloud.
var Version = "0.0.0-dev"

// BuildYear is the year the release was cut.  Wall clock readings before
// this year are treated as implausible by the time manager.
var BuildYear = "2023"
