package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/ocppnet/internal/server/peers"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "manage credentials of stations and nodes allowed to connect",
}

func init() {
	peersCmd.PersistentFlags().String("peers-file", "", "peer credentials JSON path (default listen.auth.peers_file)")

	addCmd := &cobra.Command{
		Use:   "add ID PASSWORD",
		Short: "register a peer",
		Args:  cobra.ExactArgs(2),
		RunE: withPeers(func(cmd *cobra.Command, s *peers.Store, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			_, err := s.Create(args[0], name, args[1])
			return err
		}),
	}
	addCmd.Flags().String("name", "", "display name")

	peersCmd.AddCommand(
		addCmd,
		&cobra.Command{
			Use:   "list",
			Short: "list registered peers",
			Args:  cobra.NoArgs,
			RunE: withPeers(func(_ *cobra.Command, s *peers.Store, _ []string) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tACTIVE")
				for _, p := range s.List() {
					fmt.Fprintf(w, "%s\t%s\t%v\n", p.ID, p.Name, p.Active)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "rotate ID PASSWORD",
			Short: "replace the password of a peer",
			Args:  cobra.ExactArgs(2),
			RunE: withPeers(func(_ *cobra.Command, s *peers.Store, args []string) error {
				return s.Rotate(args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "disable ID",
			Short: "refuse further connections from a peer",
			Args:  cobra.ExactArgs(1),
			RunE: withPeers(func(_ *cobra.Command, s *peers.Store, args []string) error {
				return s.SetActive(args[0], false)
			}),
		},
		&cobra.Command{
			Use:   "enable ID",
			Short: "accept connections from a disabled peer again",
			Args:  cobra.ExactArgs(1),
			RunE: withPeers(func(_ *cobra.Command, s *peers.Store, args []string) error {
				return s.SetActive(args[0], true)
			}),
		},
		&cobra.Command{
			Use:   "delete ID",
			Short: "remove a peer",
			Args:  cobra.ExactArgs(1),
			RunE: withPeers(func(_ *cobra.Command, s *peers.Store, args []string) error {
				return s.Delete(args[0])
			}),
		},
	)
	rootCmd.AddCommand(peersCmd)
}

func withPeers(fn func(cmd *cobra.Command, s *peers.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("listen.auth.peers_file")
		if f, _ := cmd.Flags().GetString("peers-file"); f != "" {
			path = f
		}
		s := peers.NewStore(path)
		if err := s.Load(); err != nil {
			return err
		}
		return fn(cmd, s, args)
	}
}
