package commands

import (
	"github.com/S1riyS/hugefs/internal/control"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <path>",
	Short: "Show how a file is stored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(args[0], func(rel string) *control.Request {
			return &control.Request{Status: &control.StatusRequest{Path: rel}}
		})
	},
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror <path> <store>",
	Short: "Copy an immutable file's content to another store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(args[0], func(rel string) *control.Request {
			return &control.Request{Mirror: &control.MirrorRequest{Path: rel, Store: args[1]}}
		})
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal <path>",
	Short: "Make a mutable file immutable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(args[0], func(rel string) *control.Request {
			return &control.Request{Seal: &control.SealRequest{Path: rel}}
		})
	},
}

// sendControl finds the mount containing path and sends the request built
// for the path relative to the mount root.
func sendControl(path string, build func(rel string) *control.Request) error {
	root, rel, err := control.FindRoot(path)
	if err != nil {
		return err
	}
	resp, err := control.Execute(root, build(rel))
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return printJSON(resp)
}
