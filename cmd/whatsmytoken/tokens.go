package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/ternarybob/whatsmytoken/internal/client"
	"github.com/ternarybob/whatsmytoken/internal/handlers"
	"github.com/ternarybob/whatsmytoken/internal/models"
	"github.com/ternarybob/whatsmytoken/internal/services/clipboard"
	"github.com/ternarybob/whatsmytoken/internal/services/tokens"
	"gopkg.in/yaml.v3"
)

// TokenClient is the subset of the daemon client the token commands use.
type TokenClient interface {
	List(ctx context.Context, opts client.ListOptions) (*handlers.TokenListResponse, error)
	Get(ctx context.Context, id string) (*models.CapturedToken, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Copier places text on the clipboard.
type Copier interface {
	Copy(text string) (clipboard.Method, error)
}

// TokensCmd handles token operations against a running daemon.
type TokensCmd struct {
	tokens    TokenClient
	clipboard Copier
	out       io.Writer
}

// ListTokensInput holds input for listing tokens.
type ListTokensInput struct {
	Domain string
	Filter string
	Sort   string
	Group  string // domain, token or empty
	Full   bool
	Output string // table, json or yaml
}

// List prints the stored tokens.
func (c TokensCmd) List(ctx context.Context, in ListTokensInput) error {
	resp, err := c.tokens.List(ctx, client.ListOptions{
		Domain: in.Domain,
		Filter: in.Filter,
		Sort:   in.Sort,
		Group:  in.Group,
	})
	if err != nil {
		return err
	}

	var structured interface{} = resp.Tokens
	switch in.Group {
	case tokens.GroupDomain:
		structured = resp.Groups
	case tokens.GroupToken:
		structured = resp.TokenGroups
	}

	switch in.Output {
	case "json":
		data, err := json.MarshalIndent(structured, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, string(data))
		return nil
	case "yaml":
		data, err := yaml.Marshal(structured)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, string(data))
		return nil
	case "", "table":
	default:
		return fmt.Errorf("unknown output format %q (expected table, json or yaml)", in.Output)
	}

	if resp.Count == 0 {
		fmt.Fprintln(c.out, pterm.Info.Sprint("No tokens captured yet"))
		return nil
	}

	switch in.Group {
	case tokens.GroupDomain:
		for _, group := range resp.Groups {
			fmt.Fprintln(c.out, pterm.Bold.Sprintf("%s (%d)", group.Domain, len(group.Tokens)))
			if err := c.printTable(group.Tokens, in.Full); err != nil {
				return err
			}
		}
		return nil
	case tokens.GroupToken:
		for _, group := range resp.TokenGroups {
			value := group.Token
			if !in.Full {
				value = tokens.Truncate(value)
			}
			fmt.Fprintln(c.out, pterm.Bold.Sprintf("%s (%d, %s)", value, len(group.Tokens), strings.Join(group.Domains, ", ")))
			if err := c.printTable(group.Tokens, in.Full); err != nil {
				return err
			}
		}
		return nil
	}

	if err := c.printTable(resp.Tokens, in.Full); err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Info.Sprintf("%d token(s), append policy %s", resp.Count, resp.Policy))
	return nil
}

func (c TokensCmd) printTable(list []models.CapturedToken, full bool) error {
	rows := pterm.TableData{{"ID", "Domain", "Source", "Method", "Captured", "Token", "URL"}}
	for _, token := range list {
		value := token.Token
		if !full {
			value = tokens.Truncate(value)
		}
		rows = append(rows, []string{
			token.ID,
			token.Domain,
			string(token.Source),
			token.Method,
			time.UnixMilli(token.Timestamp).Format(time.RFC3339),
			value,
			token.URL,
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, table)
	return nil
}

// Copy puts the full token value on the clipboard.
func (c TokensCmd) Copy(ctx context.Context, id string) error {
	token, err := c.tokens.Get(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("token %s not found", id)
		}
		return err
	}

	method, err := c.clipboard.Copy(token.Token)
	if err != nil {
		return fmt.Errorf("failed to copy token: %w", err)
	}

	fmt.Fprintln(c.out, pterm.Success.Sprintf("Copied token for %s (%s)", token.Domain, method))
	return nil
}

// Remove deletes one token.
func (c TokensCmd) Remove(ctx context.Context, id string) error {
	if err := c.tokens.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprintf("Token %s removed", id))
	return nil
}

// Clear deletes every token, asking first unless skipConfirm is set.
func (c TokensCmd) Clear(ctx context.Context, skipConfirm bool) error {
	if !skipConfirm {
		pterm.DefaultInteractiveConfirm.DefaultText = "Delete every captured token?"
		ok, _ := pterm.DefaultInteractiveConfirm.Show()
		if !ok {
			fmt.Fprintln(c.out, pterm.Info.Sprint("Clear cancelled"))
			return nil
		}
	}

	if err := c.tokens.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, pterm.Success.Sprint("All tokens cleared"))
	return nil
}

// --- Cobra wiring ---

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured tokens",
	Long:  "List the tokens held by the running daemon, in capture order unless --sort is given",
	Args:  cobra.NoArgs,
	RunE:  runTokensList,
}

var tokensCopyCmd = &cobra.Command{
	Use:   "copy <id>",
	Short: "Copy a token to the clipboard",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokensCopy,
}

var tokensRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokensRemove,
}

var tokensClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every token",
	Args:  cobra.NoArgs,
	RunE:  runTokensClear,
}

func init() {
	tokensListCmd.Flags().String("domain", "", "Only tokens recorded for this domain (exact match)")
	tokensListCmd.Flags().String("filter", "", "Case-insensitive substring of domain or URL")
	tokensListCmd.Flags().String("sort", "", "Sort by capture time: newest or oldest")
	tokensListCmd.Flags().String("group", "", "Group tokens by domain or by token value")
	tokensListCmd.Flags().Bool("full", false, "Print full token values")
	tokensListCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")

	tokensClearCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
}

func newTokensCmd() TokensCmd {
	return TokensCmd{
		tokens:    client.New(config.ServerURL()),
		clipboard: clipboard.New(),
		out:       os.Stdout,
	}
}

func runTokensList(cmd *cobra.Command, args []string) error {
	domain, _ := cmd.Flags().GetString("domain")
	filter, _ := cmd.Flags().GetString("filter")
	sortOrder, _ := cmd.Flags().GetString("sort")
	group, _ := cmd.Flags().GetString("group")
	full, _ := cmd.Flags().GetBool("full")
	output, _ := cmd.Flags().GetString("output")

	grouping, err := tokens.ParseGrouping(group)
	if err != nil {
		return err
	}

	return newTokensCmd().List(cmd.Context(), ListTokensInput{
		Domain: domain,
		Filter: filter,
		Sort:   sortOrder,
		Group:  grouping,
		Full:   full,
		Output: output,
	})
}

func runTokensCopy(cmd *cobra.Command, args []string) error {
	return newTokensCmd().Copy(cmd.Context(), args[0])
}

func runTokensRemove(cmd *cobra.Command, args []string) error {
	return newTokensCmd().Remove(cmd.Context(), args[0])
}

func runTokensClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	return newTokensCmd().Clear(cmd.Context(), yes)
}
