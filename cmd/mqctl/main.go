/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Command mqctl is a small operator CLI over the Inspection API and the
// Store, for tasks an operator runs by hand rather than ones the daemon
// itself schedules: listing the queue/history, canceling a merge,
// pausing/unpausing the daemon, and warming the account cache.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clarketm/mergequeue/internal/config"
	"github.com/clarketm/mergequeue/internal/gerrit"
	"github.com/clarketm/mergequeue/internal/store"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "mqctl",
		Short: "Operator CLI for the merge-queue daemon's Inspection API.",
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://localhost:8888", "Base URL of the daemon's Inspection API.")

	root.AddCommand(
		getQueueCmd(),
		getHistoryCmd(),
		cancelCmd(),
		pauseCmd(false),
		pauseCmd(true),
		syncAccountsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fetchJSON(path string, query url.Values, out interface{}) error {
	u := apiAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %v", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	return json.Unmarshal(body, out)
}

// getWithMessage issues a GET (both cancel_merge and set_daemon_pause are
// GET endpoints per the Inspection API) and renders its JSON reply as a
// short human-readable line.
func getWithMessage(path string, query url.Values) (string, error) {
	u := apiAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return "", fmt.Errorf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %v", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %s", resp.Status, string(body))
	}
	var reply map[string]interface{}
	if err := json.Unmarshal(body, &reply); err != nil {
		return string(body), nil
	}
	if msg, ok := reply["message"]; ok {
		return fmt.Sprint(msg), nil
	}
	if paused, ok := reply["paused"]; ok {
		return fmt.Sprintf("paused=%v", paused), nil
	}
	return string(body), nil
}

// pagedReply mirrors the Inspection API's {count, result} envelope for
// get_queue and get_history.
type pagedReply struct {
	Count  int             `json:"count"`
	Result json.RawMessage `json:"result"`
}

func getQueueCmd() *cobra.Command {
	var project, branch string
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "get-queue",
		Short: "List the cached ready-queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply pagedReply
			q := url.Values{"project": {project}, "branch": {branch}, "offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(limit)}}
			if err := fetchJSON("/gmq/get_queue", q, &reply); err != nil {
				return err
			}
			var changes []store.ChangeInfo
			if err := json.Unmarshal(reply.Result, &changes); err != nil {
				return err
			}
			fmt.Printf("count: %d\n", reply.Count)
			return printJSON(changes)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Filter by project.")
	cmd.Flags().StringVar(&branch, "branch", "", "Filter by branch.")
	cmd.Flags().IntVar(&offset, "offset", 0, "Pagination offset.")
	cmd.Flags().IntVar(&limit, "limit", 25, "Pagination limit (max 500).")
	return cmd
}

func getHistoryCmd() *cobra.Command {
	var project, branch string
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "get-history",
		Short: "List past merge attempts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply pagedReply
			q := url.Values{"project": {project}, "branch": {branch}, "offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(limit)}}
			if err := fetchJSON("/gmq/get_history", q, &reply); err != nil {
				return err
			}
			var history []store.MergeStatus
			if err := json.Unmarshal(reply.Result, &history); err != nil {
				return err
			}
			fmt.Printf("count: %d\n", reply.Count)
			return printJSON(history)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Filter by project.")
	cmd.Flags().StringVar(&branch, "branch", "", "Filter by branch.")
	cmd.Flags().IntVar(&offset, "offset", 0, "Pagination offset.")
	cmd.Flags().IntVar(&limit, "limit", 25, "Pagination limit (max 500).")
	return cmd
}

func cancelCmd() *cobra.Command {
	var rid int64
	var who string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a merge by rid.",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := getWithMessage("/gmq/cancel_merge", url.Values{"rid": {strconv.FormatInt(rid, 10)}, "who": {who}})
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().Int64Var(&rid, "rid", 0, "Merge record id to cancel.")
	cmd.Flags().StringVar(&who, "who", os.Getenv("USER"), "Who is requesting the cancellation.")
	cmd.MarkFlagRequired("rid")
	return cmd
}

func pauseCmd(pause bool) *cobra.Command {
	use, short, value := "unpause", "Resume polling and scheduling.", "false"
	if pause {
		use, short, value = "pause", "Pause polling and scheduling.", "true"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := getWithMessage("/gmq/set_daemon_pause", url.Values{"value": {value}})
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

// syncAccountsCmd runs one Gerrit account query and upserts the first
// matching account into a configured Store, independent of the poll loop.
// It does not page through the account index; other matches are ignored.
// Supplements gerrit_mq's functions.sync_account_db.
func syncAccountsCmd() *cobra.Command {
	var configPath, query string
	cmd := &cobra.Command{
		Use:   "sync-accounts",
		Short: "Warm the local account cache from Gerrit, bypassing the poll loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Daemon.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := logrus.NewEntry(logrus.New())
			client, err := gerrit.NewClient(cfg.Gerrit.URL, cfg.Gerrit.Username, cfg.Gerrit.Password, logger)
			if err != nil {
				return err
			}
			account, err := client.LookupAccount(context.Background(), query)
			if err != nil {
				return err
			}
			if account == nil {
				return fmt.Errorf("no account matched %q", query)
			}
			return st.UpsertAccount(context.Background(), store.Account{
				RID: account.AccountID, Name: account.Name, Email: account.Email, Username: account.Username,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config-path", "", "Path to mergequeue.yaml.")
	cmd.Flags().StringVar(&query, "query", "", "Gerrit account query (username, email, or self).")
	cmd.MarkFlagRequired("config-path")
	cmd.MarkFlagRequired("query")
	return cmd
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
