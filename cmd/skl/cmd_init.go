// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/skl/services/skl/config"
	"github.com/AleutianAI/skl/services/skl/knowledge"
	"github.com/AleutianAI/skl/services/skl/store"
)

func newInitCmd(a *app) *cobra.Command {
	var inv knowledge.Invariants
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file and an empty knowledge model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch err := config.WriteDefault(a.configPath); {
			case err == nil:
				a.out.Success("wrote %s", a.configPath)
			case errors.Is(err, fs.ErrExist):
				a.out.Info("%s already exists", a.configPath)
			default:
				return err
			}

			return a.withWriteLock(cmd.Context(), "init", "init", func() error {
				return a.withStore(func(s store.KnowledgeStore) error {
					_, err := s.Read(cmd.Context())
					if err == nil {
						a.out.Info("knowledge model already exists")
						return nil
					}
					if !errors.Is(err, knowledge.ErrNotFound) {
						return err
					}
					k := &knowledge.KnowledgeModel{
						Invariants: normalizeInvariants(inv),
						State:      []knowledge.StateRecord{},
						Queue:      []knowledge.QueueProposal{},
					}
					if err := s.Write(cmd.Context(), k); err != nil {
						return err
					}
					a.out.Success("created empty knowledge model")
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&inv.TechStack, "tech-stack", nil, "technologies the project is built on")
	f.StringVar(&inv.AuthModel, "auth-model", "", "authentication model, e.g. jwt")
	f.StringVar(&inv.DataStorage, "data-storage", "", "primary data store")
	f.StringSliceVar(&inv.SecurityPatterns, "security-pattern", nil, "identifier that marks auth-sensitive code (repeatable)")
	return cmd
}

func normalizeInvariants(inv knowledge.Invariants) knowledge.Invariants {
	if inv.TechStack == nil {
		inv.TechStack = []string{}
	}
	if inv.SecurityPatterns == nil {
		inv.SecurityPatterns = []string{}
	}
	return inv
}
