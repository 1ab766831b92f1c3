package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"taskboard/config"
	"taskboard/coordinator"
	"taskboard/domain"
	"taskboard/store"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [kind...]",
	Short: "Fetch collections and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		kinds, err := parseKinds(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		var fetchErr error
		if len(args) == 0 {
			fetchErr = s.board.Refresh(ctx)
		} else {
			for _, k := range kinds {
				if err := s.board.Fetch(ctx, k); err != nil && fetchErr == nil {
					fetchErr = err
				}
			}
		}
		out := cmd.OutOrStdout()
		for _, k := range kinds {
			switch k {
			case domain.KindTask:
				printState(out, k, s.board.Tasks.Store().Snapshot())
			case domain.KindList:
				printState(out, k, s.board.Lists.Store().Snapshot())
			case domain.KindGroup:
				printState(out, k, s.board.Groups.Store().Snapshot())
			}
		}
		return fetchErr
	},
}

var createCmd = &cobra.Command{
	Use:   "create <kind> <json>",
	Short: "Create a record and print the confirmed result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKind(cmd, args[0], func(s *session, kind domain.Kind) (any, error) {
			ctx := cmd.Context()
			switch kind {
			case domain.KindTask:
				return create(ctx, s.board.Tasks, args[1])
			case domain.KindList:
				return create(ctx, s.board.Lists, args[1])
			default:
				return create(ctx, s.board.Groups, args[1])
			}
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <kind> <id> <json-fields>",
	Short: "Apply a partial update; a null field clears it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := domain.DecodeFields(strings.NewReader(args[2]))
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		return withKind(cmd, args[0], func(s *session, kind domain.Kind) (any, error) {
			ctx := cmd.Context()
			switch kind {
			case domain.KindTask:
				return s.board.Tasks.Update(ctx, args[1], fields)
			case domain.KindList:
				return s.board.Lists.Update(ctx, args[1], fields)
			default:
				return s.board.Groups.Update(ctx, args[1], fields)
			}
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <kind> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKind(cmd, args[0], func(s *session, kind domain.Kind) (any, error) {
			ctx := cmd.Context()
			var err error
			switch kind {
			case domain.KindTask:
				err = s.board.Tasks.Delete(ctx, args[1])
			case domain.KindList:
				err = s.board.Lists.Delete(ctx, args[1])
			default:
				err = s.board.Groups.Delete(ctx, args[1])
			}
			return nil, err
		})
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <task-id>",
	Short: "Flip a task's completed flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKind(cmd, string(domain.KindTask), func(s *session, _ domain.Kind) (any, error) {
			if err := s.board.Fetch(cmd.Context(), domain.KindTask); err != nil {
				return nil, err
			}
			return s.board.ToggleTaskCompletion(cmd.Context(), args[0])
		})
	},
}

var danglingCmd = &cobra.Command{
	Use:   "dangling",
	Short: "Report references to records that do not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		if err := s.board.Refresh(cmd.Context()); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FROM\tID\tFIELD\tMISSING")
		for _, d := range s.board.DanglingReferences() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\n", d.From, d.FromID, d.Field, d.To, d.TargetID)
		}
		return tw.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the mirror current from change events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		opts, err := config.RedisOptions(s.cfg.Redis)
		if err != nil {
			return err
		}
		rc := redis.NewClient(opts)
		defer rc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := &statePrinter{out: cmd.OutOrStdout()}
		cancelTasks := s.board.Tasks.Store().Subscribe(func(st store.State[domain.Task]) {
			printLocked(out, domain.KindTask, st)
		})
		defer cancelTasks()
		cancelLists := s.board.Lists.Store().Subscribe(func(st store.State[domain.List]) {
			printLocked(out, domain.KindList, st)
		})
		defer cancelLists()
		cancelGroups := s.board.Groups.Store().Subscribe(func(st store.State[domain.Group]) {
			printLocked(out, domain.KindGroup, st)
		})
		defer cancelGroups()

		if err := s.board.Refresh(ctx); err != nil {
			s.logger.WithError(err).Warn("initial refresh failed")
		}
		s.board.Watch(ctx, rc, s.cfg.Events.Channel)
		s.board.Wait()
		return nil
	},
}

func parseKinds(args []string) ([]domain.Kind, error) {
	if len(args) == 0 {
		return domain.Kinds, nil
	}
	kinds := make([]domain.Kind, 0, len(args))
	for _, a := range args {
		k, err := domain.ParseKind(a)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// withKind resolves the kind argument, runs fn against a fresh session and
// prints its result as JSON.
func withKind(cmd *cobra.Command, rawKind string, fn func(*session, domain.Kind) (any, error)) error {
	kind, err := domain.ParseKind(rawKind)
	if err != nil {
		return err
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	result, err := fn(s, kind)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	data, err := domain.Encode(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func create[T domain.Entity[T]](ctx context.Context, c *coordinator.Coordinator[T], raw string) (T, error) {
	payload, err := domain.DecodePayload[T](strings.NewReader(raw))
	if err != nil {
		return payload, err
	}
	return c.Create(ctx, payload)
}

func printState[T domain.Entity[T]](w io.Writer, kind domain.Kind, st store.State[T]) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%d items", kind, st.Phase, len(st.Items))
	if st.Err != "" {
		fmt.Fprintf(tw, "\terror: %s", st.Err)
	}
	fmt.Fprintln(tw)
	for _, it := range st.Items {
		data, err := domain.Encode(it)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "\t%s\t%s\n", it.EntityID(), data)
	}
	_ = tw.Flush()
}

// statePrinter serialises snapshots printed from concurrent store subscribers.
type statePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func printLocked[T domain.Entity[T]](p *statePrinter, kind domain.Kind, st store.State[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printState(p.out, kind, st)
}
