// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KodiakOps/KodiakStack/services/compliance"
)

var phiCmd = &cobra.Command{
	Use:   "phi",
	Short: "Manage PHI field encryption",
}

var phiKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new AES-256 field encryption key",
	Long: `Generates a random 32-byte key, base64 encoded. Export it as
KODIAK_PHI_KEY (or store it in the configured key file) to enable PHI
field encryption. Keys are never stored by Kodiak itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := compliance.GenerateKey()
		if err != nil {
			return err
		}
		// Plain stdout so the key can be piped into a secret store.
		fmt.Println(key)
		return nil
	},
}
