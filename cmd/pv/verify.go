package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"patchverify/internal/app"
	"patchverify/internal/cache"
	"patchverify/internal/domain"
	"patchverify/internal/fingerprint"
	"patchverify/internal/jobs"
	"patchverify/internal/patch"
	patchverifysdk "patchverify/sdk/go"
)

func remote() *patchverifysdk.Client {
	url := viper.GetString("server")
	if url == "" {
		return nil
	}
	c := patchverifysdk.New(url)
	c.BearerToken = viper.GetString("token")
	return c
}

type submitFlags struct {
	bugID        string
	responseFile string
	method       string
	persist      bool
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bugID, "bug-id", "", "defect id, project@commit")
	cmd.Flags().StringVar(&f.responseFile, "response-file", "", "file holding the model answer (- for stdin)")
	cmd.Flags().StringVar(&f.method, "method", "auto", "patch strategy: auto, diff, direct, prefix, inline, inline+meta")
	cmd.Flags().BoolVar(&f.persist, "persist", false, "keep the patched file under paths.patch_dir")
	_ = cmd.MarkFlagRequired("bug-id")
	_ = cmd.MarkFlagRequired("response-file")
}

func patchCmd() *cobra.Command {
	p := &cobra.Command{Use: "patch", Short: "Build patches without verifying them"}
	p.AddCommand(patchBuildCmd())
	return p
}

func patchBuildCmd() *cobra.Command {
	var f submitFlags
	var diff bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Turn a model answer into a patch for a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := readResponse(f.responseFile)
			if err != nil {
				return err
			}
			if c := remote(); c != nil {
				res, err := c.BuildPatch(cmd.Context(), f.bugID, response, patchverifysdk.BuildOptions{
					Method:       f.method,
					GenerateDiff: diff,
					Persist:      f.persist,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			strategy, err := patch.ParseStrategy(f.method)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cfg, logger)
			if err != nil {
				return err
			}
			art, err := app.NewEngine(cfg, cat).Build(cmd.Context(), patch.Request{
				Defect:       f.bugID,
				Response:     response,
				Strategy:     strategy,
				GenerateDiff: diff,
				Persist:      f.persist,
			})
			if err != nil {
				return err
			}
			defer art.Release()
			out := map[string]any{
				"bug_id":          art.Defect.String(),
				"strategy":        art.Strategy.String(),
				"fingerprint":     art.Fingerprint,
				"job_key":         art.Key().String(),
				"func_start_byte": art.Start,
				"func_end_byte":   art.End,
				"replacement":     art.Replacement,
			}
			if art.Diff != "" {
				out["patch_content"] = art.Diff
			}
			if art.Persistent {
				out["fix_p"], out["fix_p_diff"] = art.PatchedPath, art.DiffPath
			}
			return printJSONOrTable(out)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&diff, "diff", true, "render the unified diff")
	return cmd
}

func verifyCmd() *cobra.Command {
	v := &cobra.Command{Use: "verify", Short: "Submit patches and follow verification jobs"}
	v.AddCommand(verifySubmitCmd())
	v.AddCommand(verifyStatusCmd())
	return v
}

func verifySubmitCmd() *cobra.Command {
	var f submitFlags
	var wait, diff bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a model answer for verification",
		Long:  "Without --server the build runs in this process and the command waits for it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			response, err := readResponse(f.responseFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if c := remote(); c != nil {
				sub, err := c.Submit(ctx, f.bugID, response, patchverifysdk.SubmitOptions{Method: f.method, Persist: f.persist, GenerateDiff: diff})
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(sub)
				}
				job, err := c.Wait(ctx, sub.Handle)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			}

			strategy, err := patch.ParseStrategy(f.method)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			sub, err := a.Jobs.Submit(ctx, jobs.SubmitRequest{
				BugID:        f.bugID,
				Response:     response,
				Strategy:     strategy,
				Persist:      f.persist,
				GenerateDiff: diff,
			})
			if err != nil {
				return errors.Join(err, a.Close(ctx))
			}
			a.Jobs.Wait()
			rec, err := a.Jobs.Status(ctx, sub.Handle)
			if cerr := a.Close(ctx); cerr != nil {
				logger.Sugar().Warnf("close: %v", cerr)
			}
			if err != nil {
				return err
			}
			return printJobs([]domain.JobRecord{rec})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, poll until the job finishes")
	cmd.Flags().BoolVar(&diff, "diff", false, "with --persist, also keep the diff")
	return cmd
}

func reproduceCmd() *cobra.Command {
	var bugID string
	var noCleanup, wait bool
	cmd := &cobra.Command{
		Use:   "reproduce",
		Short: "Rebuild a defect's unpatched baseline",
		Long:  "Runs build.reproduce_script in the defect checkout under the same per-defect lock as verifications.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if c := remote(); c != nil {
				rep, err := c.Reproduce(ctx, bugID, patchverifysdk.ReproduceOptions{SkipCleanup: noCleanup})
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(rep)
				}
				job, err := c.Wait(ctx, rep.Handle)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(ctx, viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			sub, err := a.Jobs.Reproduce(ctx, jobs.ReproduceRequest{BugID: bugID, ForceCleanup: !noCleanup})
			if err != nil {
				return errors.Join(err, a.Close(ctx))
			}
			a.Jobs.Wait()
			rec, err := a.Jobs.Status(ctx, sub.Handle)
			if cerr := a.Close(ctx); cerr != nil {
				logger.Sugar().Warnf("close: %v", cerr)
			}
			if err != nil {
				return err
			}
			return printJobs([]domain.JobRecord{rec})
		},
	}
	cmd.Flags().StringVar(&bugID, "bug-id", "", "defect id, project@commit")
	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "skip git clean -dfx before the build")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --server, poll until the job finishes")
	_ = cmd.MarkFlagRequired("bug-id")
	return cmd
}

func verifyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <handle>",
		Short: "Show a verification job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				job, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			}
			return withStore(cmd.Context(), func(ctx context.Context, s jobs.Store) error {
				rec, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJobs([]domain.JobRecord{rec})
			})
		},
	}
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Inspect recorded verification jobs"}
	j.AddCommand(jobsListCmd())
	j.AddCommand(jobsHistoryCmd())
	return j
}

func jobsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				items, err := c.Jobs(cmd.Context(), status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			}
			return withStore(cmd.Context(), func(ctx context.Context, s jobs.Store) error {
				items, err := s.List(ctx)
				if err != nil {
					return err
				}
				var filtered []domain.JobRecord
				for _, j := range items {
					if status == "" || string(j.State) == status {
						filtered = append(filtered, j)
					}
				}
				return printJobs(filtered)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <handle>",
		Short: "Show the state transitions of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s jobs.Store) error {
				h, ok := s.(jobs.Historian)
				if !ok {
					return jobs.ErrNoHistory
				}
				evs, err := h.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Payload"})
				for _, e := range evs {
					tw.AppendRow(table.Row{e.TS, e.From, e.To, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cacheCmd() *cobra.Command {
	c := &cobra.Command{Use: "cache", Short: "Manage the verification cache"}
	c.AddCommand(cacheEvictCmd())
	c.AddCommand(cacheStatusCmd())
	c.AddCommand(cacheImportCmd())
	c.AddCommand(cacheScanCmd())
	return c
}

func withCache(ctx context.Context, fn func(context.Context, *cache.Tiered, *cache.Redis, *cache.Files) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tiers, rds, files := app.NewCache(ctx, cfg, logger)
	if rds != nil {
		defer rds.Close()
	}
	return fn(ctx, tiers, rds, files)
}

func cacheEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <job-key>",
		Short: "Remove a job key from every cache tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := fingerprint.ParseJobKey(args[0])
			if err != nil {
				return err
			}
			if c := remote(); c != nil {
				ok, err := c.Evict(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job_key": args[0], "evicted": ok})
			}
			return withCache(cmd.Context(), func(ctx context.Context, t *cache.Tiered, _ *cache.Redis, _ *cache.Files) error {
				ok, err := t.Evict(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job_key": args[0], "evicted": ok})
			})
		},
	}
}

func cacheStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache tier reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				tiers, err := c.CacheStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(tiers)
			}
			return withCache(cmd.Context(), func(ctx context.Context, t *cache.Tiered, _ *cache.Redis, _ *cache.Files) error {
				type row struct {
					Tier      string `json:"tier"`
					Reachable bool   `json:"reachable"`
					Keys      int    `json:"keys"`
					Detail    string `json:"detail,omitempty"`
				}
				var rows []row
				for _, b := range t.Backends() {
					r := row{Tier: b.Name(), Reachable: true}
					switch tb := b.(type) {
					case *cache.Redis:
						n, err := tb.Keys(ctx)
						r.Keys = n
						if err != nil {
							r.Reachable, r.Detail = false, err.Error()
						}
					case *cache.Files:
						n, err := tb.Scan(ctx, io.Discard)
						r.Keys = n
						if err != nil {
							r.Reachable, r.Detail = false, err.Error()
						}
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Tier", "Reachable", "Keys", "Detail"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Tier, r.Reachable, r.Keys, r.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cacheImportCmd() *cobra.Command {
	var file string
	var opts cache.ImportOptions
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSONL export of {redis_key, cache_data} into redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, _ *cache.Tiered, rds *cache.Redis, _ *cache.Files) error {
				if rds == nil {
					return fmt.Errorf("redis tier disabled; set redis.enabled or --redis-addr")
				}
				var src io.Reader = os.Stdin
				if file != "-" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					src = f
				}
				stats, err := rds.Import(ctx, src, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSONL file (- for stdin)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite keys already in redis")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "parallel pipelines")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 200, "records per pipeline")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func cacheScanCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Export finished runs from the durable log tier as import JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, _ *cache.Tiered, _ *cache.Redis, files *cache.Files) error {
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := files.Scan(ctx, w)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "scanned %d runs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
