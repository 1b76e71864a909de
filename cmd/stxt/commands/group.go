package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/mosaicnetworks/stxt/src/crypto/keys"
	"github.com/mosaicnetworks/stxt/src/group"
	"github.com/mosaicnetworks/stxt/src/peer"
	"github.com/mosaicnetworks/stxt/src/stxt"
	"github.com/mosaicnetworks/stxt/src/tag"
	"github.com/spf13/cobra"
)

var (
	errNoStore       = errors.New("offline commands need a persistent store, use --store")
	errAlreadyMember = errors.New("user is already a member")
	errNotMember     = errors.New("user is not a member")
)

//NewGroupCmd returns the command that manages local groups
func NewGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:              "group",
		Short:            "Manage groups",
		TraverseChildren: true,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "new",
			Short:   "Create a group and print its id and key",
			Args:    cobra.NoArgs,
			PreRunE: loadConfig,
			RunE:    withEngine(newGroup),
		},
		&cobra.Command{
			Use:     "join [key|key-file]",
			Short:   "Join the group named by a hex key or a key file",
			Args:    cobra.ExactArgs(1),
			PreRunE: loadConfig,
			RunE:    withEngine(joinGroup),
		},
		&cobra.Command{
			Use:     "list",
			Short:   "List the groups reachable from the root group",
			Args:    cobra.NoArgs,
			PreRunE: loadConfig,
			RunE:    withEngine(listGroups),
		},
		&cobra.Command{
			Use:     "ping [gid]",
			Short:   "Append a ping to a group",
			Args:    cobra.ExactArgs(1),
			PreRunE: loadConfig,
			RunE:    withEngine(pingGroup),
		},
		&cobra.Command{
			Use:     "add [gid] [user-tag]",
			Short:   "Mark a user live in a group",
			Args:    cobra.ExactArgs(2),
			PreRunE: loadConfig,
			RunE:    withEngine(addMember),
		},
		&cobra.Command{
			Use:     "del [gid] [user-tag]",
			Short:   "Remove a user from a group",
			Args:    cobra.ExactArgs(2),
			PreRunE: loadConfig,
			RunE:    withEngine(delMember),
		},
		&cobra.Command{
			Use:     "set [gid] [type] [key] [value]",
			Short:   "Set a state value in a group",
			Args:    cobra.ExactArgs(4),
			PreRunE: loadConfig,
			RunE:    withEngine(setState),
		},
	)

	return cmd
}

type engineFunc func(cmd *cobra.Command, engine *stxt.Stxt, args []string) error

// withEngine opens the store and the peer for the duration of fn.
func withEngine(fn engineFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if !_config.Store {
			return errNoStore
		}

		engine := stxt.NewStxt(_config)
		if err := engine.Open(); err != nil {
			return err
		}
		defer engine.Close()

		return fn(cmd, engine, args)
	}
}

func newGroup(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	a, err := p.NewGroup()
	if err != nil {
		return err
	}

	keyFile := engine.KeyFile(a.GroupID())
	if err := keyFile.WriteKey(a.Key()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "gid: %s\nkey: %s\nfile: %s\n", a.GroupID(), hex.EncodeToString(a.Key()), keyFile.Path())

	return nil
}

func joinGroup(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	key, err := readKey(args[0])
	if err != nil {
		return err
	}

	a, err := p.JoinGroup(key)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "gid: %s\n", a.GroupID())

	return nil
}

func listGroups(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GID\tENVELOPES\tAGENT\tLIVE\tNEXT")

	err := p.Visit(func(gid string, g *group.Group, a *peer.Agent) error {
		envelopes := 0
		if g != nil {
			envelopes = g.Len()
		}
		agent, live, next := "no", "-", "-"
		if a != nil {
			agent = "yes"
			live = fmt.Sprint(len(a.State().LiveUsers()))
			if n := a.Next(); n != "" {
				next = n
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", gid, envelopes, agent, live, next)
		return nil
	})
	if err != nil {
		return err
	}

	return w.Flush()
}

func pingGroup(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	a, err := p.GetAgent(args[0])
	if err != nil {
		return err
	}

	m, err := a.AddPing()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), m.ID)

	return a.Save()
}

func addMember(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	user, err := tag.Parse(args[1])
	if err != nil {
		return err
	}

	a, err := p.GetAgent(args[0])
	if err != nil {
		return err
	}

	if a.HasMember(user) {
		return errAlreadyMember
	}

	m, err := a.AddMember(user)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), m.ID)

	return a.Save()
}

func delMember(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	user, err := tag.Parse(args[1])
	if err != nil {
		return err
	}

	a, err := p.GetAgent(args[0])
	if err != nil {
		return err
	}

	if !a.HasMember(user) {
		return errNotMember
	}

	m, err := a.DelMember(user)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), m.ID)

	return a.Save()
}

func setState(cmd *cobra.Command, engine *stxt.Stxt, args []string) error {
	p := engine.Peer

	a, err := p.GetAgent(args[0])
	if err != nil {
		return err
	}

	m, err := a.SetState(args[1], args[2], args[3])
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), m.ID)

	return a.Save()
}

// readKey decodes arg as hex, or reads it from the file it names.
func readKey(arg string) ([]byte, error) {
	if _, err := os.Stat(arg); err == nil {
		return keys.NewSecretFile(arg).ReadKey()
	}

	key, err := hex.DecodeString(arg)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %v", err)
	}
	return key, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
