// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dna holds the types shared by the dna controller, worker,
// and backend drivers.
package dna
