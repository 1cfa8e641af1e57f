// Command worklet-run loads a JavaScript module into a worklet context from
// the command line, to inspect its exposed surface or invoke one of its
// functions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joeycumines/worklet"
)

type runFlags struct {
	moduleName string
	allowlist  []string
	ownMembers bool
	timeout    time.Duration
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &runFlags{}

	root := &cobra.Command{
		Use:           "worklet-run",
		Short:         "Load JavaScript modules into a worklet context",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.moduleName, "name", "", "module name (default: file basename)")
	root.PersistentFlags().StringSliceVar(&flags.allowlist, "expose", nil, "expose only these exported bindings")
	root.PersistentFlags().BoolVar(&flags.ownMembers, "own-members", false, "exclude inherited class members from surfaces")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "overall deadline")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log bridge activity")

	root.AddCommand(newDescribeCmd(flags), newCallCmd(flags))
	return root
}

func newDescribeCmd(flags *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <module.js>",
		Short: "Print the exposed surface of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			b, ns, err := loadModule(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "module %s\n", ns.Module())
			classes := ns.Classes()
			sort.Strings(classes)
			for _, name := range classes {
				c := ns.Class(name)
				methods := c.Methods()
				sort.Strings(methods)
				fmt.Fprintf(out, "  class %s\n", name)
				for _, m := range methods {
					fmt.Fprintf(out, "    %s()\n", m)
				}
			}
			funcs := ns.Functions()
			sort.Strings(funcs)
			for _, fn := range funcs {
				fmt.Fprintf(out, "  function %s()\n", fn)
			}
			return nil
		},
	}
}

func newCallCmd(flags *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <module.js> <target> [json-args...]",
		Short: "Invoke an exposed function or static method",
		Long: `Invoke a target of the module and print its result as JSON.

The target is a function name, or Class.method for a static method.
Arguments are parsed as JSON; values that fail to parse pass as strings.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			b, ns, err := loadModule(ctx, flags, args[0])
			if err != nil {
				return err
			}
			defer b.Close()

			callArgs := make([]any, 0, len(args)-2)
			for _, raw := range args[2:] {
				callArgs = append(callArgs, parseArg(raw))
			}

			var res *worklet.Result
			if class, method, ok := strings.Cut(args[1], "."); ok {
				c := ns.Class(class)
				if c == nil {
					return fmt.Errorf("module %s exposes no class %q", ns.Module(), class)
				}
				res = c.Call(method, callArgs...)
			} else {
				res = ns.Call(args[1], callArgs...)
			}

			v, err := res.Await(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(renderable(v))
		},
	}
}

func loadModule(ctx context.Context, flags *runFlags, path string) (*worklet.Bridge, *worklet.Namespace, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var opts []worklet.Option
	if flags.verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, worklet.WithLogger(log))
	}
	if len(flags.allowlist) > 0 {
		opts = append(opts, worklet.WithAllowlist(flags.allowlist...))
	}
	if flags.ownMembers {
		opts = append(opts, worklet.WithOwnMembersOnly())
	}

	b, err := worklet.New(opts...)
	if err != nil {
		return nil, nil, err
	}

	name := flags.moduleName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	ns, err := b.AddModule(ctx, name, string(source))
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, ns, nil
}

func parseArg(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// renderable converts result values the JSON encoder cannot handle into
// printable placeholders.
func renderable(v any) any {
	switch x := v.(type) {
	case *worklet.Buffer:
		data, err := x.Bytes()
		if err != nil {
			return "<detached buffer>"
		}
		return fmt.Sprintf("<buffer %d bytes>", len(data))
	case *worklet.Proxy:
		defer x.Close()
		if name := x.Class(); name != "" {
			return fmt.Sprintf("<%s instance>", name)
		}
		return "<instance>"
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = renderable(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = renderable(e)
		}
		return out
	}
	return v
}
