// Command braidctl is a scriptable companion to braidfs's interactive
// console: one cobra subcommand per control-API verb,
// grounded on linkerd-linkerd2/cli/cmd's one-command-per-verb layout.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var daemonAddr string

	root := &cobra.Command{
		Use:   "braidctl",
		Short: "Scriptable client for the braidfs daemon's control API",
	}
	root.PersistentFlags().StringVar(&daemonAddr, "daemon", "http://127.0.0.1:8090", "braidfs control API base URL")

	root.AddCommand(newSyncCmd(&daemonAddr))
	root.AddCommand(newUnsyncCmd(&daemonAddr))
	root.AddCommand(newPushCmd(&daemonAddr))
	root.AddCommand(newCookieCmd(&daemonAddr))
	root.AddCommand(newIdentityCmd(&daemonAddr))
	root.AddCommand(newGetCmd(&daemonAddr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func doJSON(method, url string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("braidctl: daemon returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

func newSyncCmd(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <url>",
		Short: "Enable sync for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(http.MethodPut, *daemonAddr+"/api/sync", map[string]string{"url": args[0]})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
}

func newUnsyncCmd(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unsync <url>",
		Short: "Disable sync for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, *daemonAddr+"/api/sync", bytes.NewReader(mustJSON(map[string]string{"url": args[0]})))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
}

func newPushCmd(daemonAddr *string) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "push <url> <content>",
		Short: "Push local content to a synced URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(http.MethodPut, *daemonAddr+"/api/push", map[string]string{
				"url": args[0], "content": args[1], "content_type": contentType,
			})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type hint for the push")
	return cmd
}

func newCookieCmd(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cookie <domain> <value>",
		Short: "Set a session cookie for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(http.MethodPut, *daemonAddr+"/api/cookie", map[string]string{"domain": args[0], "value": args[1]})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
}

func newIdentityCmd(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "identity <domain> <email>",
		Short: "Set the identity email used for a domain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(http.MethodPut, *daemonAddr+"/api/identity", map[string]string{"domain": args[0], "email": args[1]})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return checkStatus(resp)
		},
	}
}

func newGetCmd(daemonAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <url>",
		Short: "Print the daemon's cached content for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(*daemonAddr + "/api/get?url=" + url.QueryEscape(args[0]))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := checkStatus(resp); err != nil {
				return err
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
