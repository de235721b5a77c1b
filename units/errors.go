// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package units

import "errors"

var (
	ErrInvalidUnit = errors.New("invalid unit")
)
