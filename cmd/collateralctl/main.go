package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"loanledger/cmd/internal/passphrase"
	"loanledger/crypto"
)

const (
	defaultAPI     = "http://127.0.0.1:8090"
	defaultPassEnv = "LOANLEDGER_KEYSTORE_PASS"
)

type commandFunc func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]commandFunc{
	"keygen":      runKeygen,
	"instantiate": runInstantiate,
	"deposit":     runDeposit,
	"adjust":      runAdjust,
	"pay-tax":     runPayTax,
	"liquidate":   runLiquidate,
	"get":         runGet,
	"list":        runList,
	"balance":     runBalance,
	"config":      runConfig,
	"audit":       runAudit,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}
	if err := cmd(context.Background(), os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: collateralctl <command> [flags]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen       create an encrypted account keystore")
	fmt.Fprintln(os.Stderr, "  instantiate  create the ledger")
	fmt.Fprintln(os.Stderr, "  deposit      deposit collateral")
	fmt.Fprintln(os.Stderr, "  adjust       overwrite the declared valuation")
	fmt.Fprintln(os.Stderr, "  pay-tax      settle accrued tax")
	fmt.Fprintln(os.Stderr, "  liquidate    liquidate a collateral record")
	fmt.Fprintln(os.Stderr, "  get          show a collateral record")
	fmt.Fprintln(os.Stderr, "  list         list collateral records")
	fmt.Fprintln(os.Stderr, "  balance      show an account balance")
	fmt.Fprintln(os.Stderr, "  config       show the ledger configuration")
	fmt.Fprintln(os.Stderr, "  audit        show the audit trail")
}

// senderFlags resolves the caller identity from -from or a keystore.
type senderFlags struct {
	api      *string
	from     *string
	keystore *string
	passEnv  *string
}

func registerSender(fs *flag.FlagSet) senderFlags {
	return senderFlags{
		api:      fs.String("api", defaultAPI, "collaterald base URL"),
		from:     fs.String("from", "", "Sender address"),
		keystore: fs.String("keystore", "", "Keystore file whose account is the sender"),
		passEnv:  fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase"),
	}
}

func (s senderFlags) client() *apiClient { return newAPIClient(*s.api) }

func (s senderFlags) address() (string, error) {
	from := strings.TrimSpace(*s.from)
	path := strings.TrimSpace(*s.keystore)
	switch {
	case from != "" && path != "":
		return "", errors.New("use either -from or -keystore, not both")
	case from != "":
		addr, err := crypto.DecodeAddress(from)
		if err != nil {
			return "", fmt.Errorf("invalid -from address: %w", err)
		}
		return addr.String(), nil
	case path != "":
		pass, err := passphrase.NewSource(*s.passEnv).Get()
		if err != nil {
			return "", err
		}
		key, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return "", fmt.Errorf("load keystore: %w", err)
		}
		return key.PubKey().Address().String(), nil
	default:
		return "", errors.New("sender required: pass -from or -keystore")
	}
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		_, err = out.Write(raw)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(decoded)
}

func runKeygen(_ context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("out", "account.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "Address: %s\nKeystore: %s\n", key.PubKey().Address(), *path)
	return nil
}

func runInstantiate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("instantiate", flag.ContinueOnError)
	sender := registerSender(fs)
	name := fs.String("name", "", "Ledger name")
	symbol := fs.String("symbol", "", "Ledger symbol")
	rate := fs.Uint64("tax-rate-bps", 0, "Tax rate in basis points per second")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := sender.address()
	if err != nil {
		return err
	}
	raw, err := sender.client().post(ctx, "/v1/instantiate", map[string]any{
		"sender": from, "name": *name, "symbol": *symbol, "tax_rate_bps": *rate,
	})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runDeposit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	sender := registerSender(fs)
	token := fs.String("token", "", "Collateral denomination or token contract address")
	amount := fs.String("amount", "", "Collateral amount in base units")
	valuation := fs.String("valuation", "", "Declared valuation")
	native := fs.Bool("native", false, "Attach the amount as native funds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := sender.address()
	if err != nil {
		return err
	}
	body := map[string]any{
		"sender": from, "token": *token, "amount": *amount, "valuation": *valuation,
	}
	if *native {
		body["funds"] = []map[string]string{{"denom": *token, "amount": *amount}}
	}
	raw, err := sender.client().post(ctx, "/v1/collateral/deposit", body)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runAdjust(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("adjust", flag.ContinueOnError)
	sender := registerSender(fs)
	valuation := fs.String("valuation", "", "New declared valuation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := sender.address()
	if err != nil {
		return err
	}
	raw, err := sender.client().post(ctx, "/v1/collateral/valuation", map[string]any{"sender": from, "valuation": *valuation})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runPayTax(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pay-tax", flag.ContinueOnError)
	sender := registerSender(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	from, err := sender.address()
	if err != nil {
		return err
	}
	raw, err := sender.client().post(ctx, "/v1/collateral/tax", map[string]any{"sender": from})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runLiquidate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("liquidate", flag.ContinueOnError)
	sender := registerSender(fs)
	id := fs.String("id", "", "Collateral identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("-id is required")
	}
	from, err := sender.address()
	if err != nil {
		return err
	}
	raw, err := sender.client().post(ctx, "/v1/collateral/liquidate", map[string]any{"sender": from, "collateral_id": *id})
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runGet(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	api := fs.String("api", defaultAPI, "collaterald base URL")
	id := fs.String("id", "", "Collateral identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return errors.New("-id is required")
	}
	raw, err := newAPIClient(*api).get(ctx, "/v1/collateral/"+url.PathEscape(strings.TrimSpace(*id)), nil)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	api := fs.String("api", defaultAPI, "collaterald base URL")
	borrower := fs.String("borrower", "", "Only list records of this borrower")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	if b := strings.TrimSpace(*borrower); b != "" {
		query.Set("borrower", b)
	}
	raw, err := newAPIClient(*api).get(ctx, "/v1/collateral", query)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runBalance(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	api := fs.String("api", defaultAPI, "collaterald base URL")
	address := fs.String("address", "", "Account address")
	denom := fs.String("denom", "", "Denomination or token contract address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*address) == "" || strings.TrimSpace(*denom) == "" {
		return errors.New("-address and -denom are required")
	}
	path := "/v1/balances/" + url.PathEscape(strings.TrimSpace(*address)) + "/" + url.PathEscape(strings.TrimSpace(*denom))
	raw, err := newAPIClient(*api).get(ctx, path, nil)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runConfig(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	api := fs.String("api", defaultAPI, "collaterald base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := newAPIClient(*api).get(ctx, "/v1/config", nil)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runAudit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	api := fs.String("api", defaultAPI, "collaterald base URL")
	id := fs.String("id", "", "Only show entries for this collateral identifier")
	sender := fs.String("sender", "", "Only show entries submitted by this address")
	limit := fs.Int("limit", 0, "Maximum number of entries")
	export := fs.String("export", "", "Write the matching entries to this Parquet file")
	verify := fs.Bool("verify", false, "Verify the audit digest chain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client := newAPIClient(*api)
	if *verify {
		raw, err := client.get(ctx, "/v1/audit/verify", nil)
		if err != nil {
			return err
		}
		return printJSON(out, raw)
	}
	query := url.Values{}
	if v := strings.TrimSpace(*id); v != "" {
		query.Set("collateral_id", v)
	}
	if v := strings.TrimSpace(*sender); v != "" {
		query.Set("sender", v)
	}
	if *limit > 0 {
		query.Set("limit", fmt.Sprint(*limit))
	}
	if path := strings.TrimSpace(*export); path != "" {
		raw, err := client.get(ctx, "/v1/audit/export", query)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(out, "Wrote %d bytes to %s\n", len(raw), path)
		return nil
	}
	raw, err := client.get(ctx, "/v1/audit", query)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}
