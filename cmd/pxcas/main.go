// px is a content-addressable object store and environment materializer
// for Python package builds.
// Copyright (C) 2026 The px Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command pxcas is the operator CLI for the content-addressable object
// store and environment materializer. It is a thin external collaborator
// exposing the store's inspection, ref, GC, doctor, partial-sweep and
// verify operations and the materializer; the PyPI resolver, lockfile renderer, and sdist
// builder this repo eventually grows are separate, heavier clients of the
// same library.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/manifoldco/promptui"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"px/internal/cas/cerrors"
	"px/internal/cas/config"
	"px/internal/cas/metrics"
	"px/internal/cas/store"
	"px/internal/materialize"
	"px/pkg/casmodel"
)

var (
	cfg       config.Config
	storeRoot string
	yes       bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pxcas: error: %v\n", err)
		if cerr, ok := err.(*cerrors.Error); ok {
			fmt.Fprintf(os.Stderr, "  code=%s\n", cerr.Code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pxcas",
		Short:         "Operate the px content-addressable object store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			cfg = loaded
			if storeRoot != "" {
				cfg.StorePath = storeRoot
			}
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVar(&storeRoot, "store", "", "store root (default: "+config.Default().StorePath+" or $PX_STORE_PATH)")
	root.PersistentFlags().BoolVarP(&yes, "yes", "y", false, "skip interactive confirmation prompts")

	root.AddCommand(
		newListCmd(),
		newInfoCmd(),
		newRefsCmd(),
		newAddRefCmd(),
		newRemoveRefCmd(),
		newGCCmd(),
		newDoctorCmd(),
		newSweepPartialsCmd(),
		newVerifySampleCmd(),
		newMaterializeCmd(),
		newProjectCmd(),
		newServeMetricsCmd(),
	)
	return root
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.StorePath)
}

func newListCmd() *cobra.Command {
	var kind, prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed objects, optionally filtered by kind and oid prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var k casmodel.ObjectKind
			if kind != "" {
				k, err = casmodel.ParseObjectKind(kind)
				if err != nil {
					return err
				}
			}
			infos, err := s.List(k, prefix)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"OID", "Kind", "Size", "Created", "Last Accessed"})
			table.SetAutoWrapText(false)
			table.SetBorder(false)
			table.SetCenterSeparator("")
			table.SetColumnSeparator("")
			table.SetRowSeparator("")
			table.SetHeaderLine(false)
			table.SetTablePadding("  ")
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, info := range infos {
				table.Append([]string{
					info.OID,
					string(info.Kind),
					strconv.FormatInt(info.Size, 10),
					time.Unix(info.CreatedAt, 0).UTC().Format(time.RFC3339),
					time.Unix(info.LastAccessed, 0).UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by object kind (source|pkg-build|runtime|profile|meta)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "filter by oid prefix")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <oid>",
		Short: "Show index metadata and owner refs for an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			oid := args[0]
			info, err := s.ObjectInfo(oid)
			if err != nil {
				return err
			}
			if info == nil {
				return cerrors.New(cerrors.MissingObject, "no index row for %s", oid).WithOID(oid)
			}
			refs, err := s.RefsFor(oid)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetAutoWrapText(false)
			table.SetBorder(false)
			table.SetColumnSeparator(":")
			table.SetHeaderLine(false)
			table.SetTablePadding("  ")
			table.Append([]string{"oid", info.OID})
			table.Append([]string{"kind", string(info.Kind)})
			table.Append([]string{"size", strconv.FormatInt(info.Size, 10)})
			table.Append([]string{"created_at", time.Unix(info.CreatedAt, 0).UTC().Format(time.RFC3339)})
			table.Append([]string{"last_accessed", time.Unix(info.LastAccessed, 0).UTC().Format(time.RFC3339)})
			table.Append([]string{"refs", strconv.Itoa(len(refs))})
			table.Render()
			for _, r := range refs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", r.String())
			}
			return nil
		},
	}
}

func newRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <oid>",
		Short: "List the owners keeping an object alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			refs, err := s.RefsFor(args[0])
			if err != nil {
				return err
			}
			for _, r := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), r.String())
			}
			return nil
		},
	}
}

func newAddRefCmd() *cobra.Command {
	var ownerType, ownerID string
	cmd := &cobra.Command{
		Use:   "add-ref <oid>",
		Short: "Record that an owner depends on an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := casmodel.ParseOwnerType(ownerType)
			if err != nil {
				return cerrors.Wrap(cerrors.UnknownOwnerType, err, "invalid --owner-type")
			}
			if ownerID == "" {
				// Ad-hoc CLI use (e.g. manual testing) without a caller-supplied
				// owner id: mint one so the ref is at least traceable.
				ownerID = uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "no --owner-id given, using generated id %s\n", ownerID)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.AddRef(casmodel.OwnerID{Type: t, ID: ownerID}, args[0])
		},
	}
	cmd.Flags().StringVar(&ownerType, "owner-type", "", "owner type (project-env|workspace-env|tool-env|runtime|profile)")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id (generated if omitted)")
	_ = cmd.MarkFlagRequired("owner-type")
	return cmd
}

func newRemoveRefCmd() *cobra.Command {
	var ownerType, ownerID string
	cmd := &cobra.Command{
		Use:   "remove-ref <oid>",
		Short: "Remove one owner's reference to an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := casmodel.ParseOwnerType(ownerType)
			if err != nil {
				return cerrors.Wrap(cerrors.UnknownOwnerType, err, "invalid --owner-type")
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			removed, err := s.RemoveRef(casmodel.OwnerID{Type: t, ID: ownerID}, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed: %v\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerType, "owner-type", "", "owner type")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id")
	_ = cmd.MarkFlagRequired("owner-type")
	_ = cmd.MarkFlagRequired("owner-id")
	return cmd
}

func newGCCmd() *cobra.Command {
	var graceSecs int
	var maxBytes int64
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim unreferenced objects older than the grace window",
		RunE: func(cmd *cobra.Command, args []string) error {
			grace := time.Duration(graceSecs) * time.Second
			if !yes {
				ok, err := confirm(fmt.Sprintf("Garbage-collect %s (grace=%s)?", cfg.StorePath, grace))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if !cmd.Flags().Changed("max-bytes") {
				maxBytes = cfg.MaxBytes
			}
			var summary casmodel.GCSummary
			if maxBytes > 0 {
				summary, err = s.GarbageCollectWithLimit(grace, maxBytes)
			} else {
				summary, err = s.GarbageCollect(grace)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d reclaimed=%d reclaimed_bytes=%d\n",
				summary.Scanned, summary.Reclaimed, summary.ReclaimedBytes)
			return nil
		},
	}
	cmd.Flags().IntVar(&graceSecs, "grace-secs", int(config.Default().GCGrace.Seconds()), "grace window in seconds")
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "size cap in bytes (0 disables; defaults to PX_CAS_MAX_BYTES)")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var graceSecs int
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run the one-shot self-healing pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(fmt.Sprintf("Run doctor on %s? This purges missing/corrupt objects.", cfg.StorePath))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.Doctor(time.Duration(graceSecs) * time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"partials_removed=%d objects_removed=%d missing=%d corrupt=%d refs_pruned=%d keys_pruned=%d locked_skipped=%d\n",
				summary.PartialsRemoved, summary.ObjectsRemoved, summary.MissingObjects,
				summary.CorruptObjects, summary.RefsPruned, summary.KeysPruned, summary.LockedSkipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&graceSecs, "grace-secs", int(config.Default().GCGrace.Seconds()), "grace window in seconds for the orphan sweep")
	return cmd
}

func newSweepPartialsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-partials",
		Short: "Remove stale *.partial staging files",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.SweepPartials()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d partial(s)\n", n)
			return nil
		},
	}
}

func newVerifySampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-sample <n>",
		Short: "Re-verify the digest of up to n indexed objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid n: %w", err)
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			bad, err := s.VerifySample(n)
			if err != nil {
				return err
			}
			if len(bad) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			for _, oid := range bad {
				fmt.Fprintf(cmd.OutOrStdout(), "FAILED %s\n", oid)
			}
			return fmt.Errorf("%d object(s) failed verification", len(bad))
		},
	}
}

func newMaterializeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "materialize <oid>",
		Short: "Materialize a pkg-build or runtime object's archive onto disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			loaded, err := s.Load(args[0])
			if err != nil {
				return err
			}
			m := materialize.New(s)
			switch loaded.Kind {
			case casmodel.KindPkgBuild:
				dir, err := m.MaterializePkgBuild(loaded.OID, loaded.PkgBuildArchive)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dir)
			case casmodel.KindRuntime:
				exe, err := m.MaterializeRuntime(loaded.OID, loaded.RuntimeHeader, loaded.RuntimeArchive)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), exe)
			default:
				return cerrors.New(cerrors.KindMismatch, "object %s is kind %s, not pkg-build or runtime", loaded.OID, loaded.Kind).WithOID(loaded.OID)
			}
			return nil
		},
	}
	return cmd
}

func newProjectCmd() *cobra.Command {
	var runtimeVersion, envsRoot string
	cmd := &cobra.Command{
		Use:   "project <profile-oid>",
		Short: "Materialize a profile into a runnable environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			loaded, err := s.Load(args[0])
			if err != nil {
				return err
			}
			if loaded.Kind != casmodel.KindProfile || loaded.ProfileHeader == nil {
				return cerrors.New(cerrors.KindMismatch, "object %s is not a profile", args[0]).WithOID(args[0])
			}
			rt, err := s.Load(loaded.ProfileHeader.RuntimeOID)
			if err != nil {
				return err
			}
			if rt.Kind != casmodel.KindRuntime || rt.RuntimeHeader == nil {
				return cerrors.New(cerrors.KindMismatch, "profile %s's runtime_oid is not a runtime", args[0]).WithOID(args[0])
			}

			m := materialize.New(s)
			runtimeExe, err := m.MaterializeRuntime(rt.OID, rt.RuntimeHeader, rt.RuntimeArchive)
			if err != nil {
				return err
			}

			if envsRoot == "" {
				envsRoot = cfg.EnvsPath
			}
			envRoot, err := m.MaterializeProfile(loaded.OID, loaded.ProfileHeader, runtimeVersion, runtimeExe, envsRoot)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), envRoot)
			return nil
		},
	}
	cmd.Flags().StringVar(&runtimeVersion, "runtime-version", "3.12", "interpreter version, e.g. 3.12, used for the site-packages directory name")
	cmd.Flags().StringVar(&envsRoot, "envs-root", "", "envs root (default: $PX_ENVS_PATH or ~/.px/envs)")
	return cmd
}

func newServeMetricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics for store/gc/doctor/materialize operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: addr, Handler: mux}
			fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on %s/metrics\n", addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9464", "listen address")
	return cmd
}

func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	result, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrAbort {
			return false, nil
		}
		if err == promptui.ErrInterrupt {
			return false, nil
		}
		return false, err
	}
	return result == "y" || result == "Y" || result == "yes", nil
}
