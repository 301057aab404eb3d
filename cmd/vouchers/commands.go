package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lexitnft/voucher-service/internal/auth"
	"github.com/lexitnft/voucher-service/internal/authority"
	"github.com/lexitnft/voucher-service/internal/issuer"
	"github.com/lexitnft/voucher-service/internal/voucher"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "vouchers",
		Short:        "Build, sign and check lazy-mint vouchers",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("type", voucher.CollectionNFTType, "voucher primary type")
	pf.String("contract", "", "verifying contract address")
	pf.Int64("chain-id", 31337, "chain id of the verifying contract")
	pf.String("name", "", "domain name (default: built-in profile of --type)")
	pf.String("domain-version", "", "domain version (default: built-in profile of --type)")
	pf.String("scheme", "eip191-digest", "signing scheme: eip191-digest or eip712")
	pf.String("key", "", "hex private key")
	pf.String("keystore", "", "path to an encrypted keystore file")
	pf.String("remote", "", "gRPC address of a key holder")
	_ = v.BindPFlags(pf)
	for key, env := range map[string]string{
		"key":               "SIGNER_PRIVATE_KEY",
		"keystore":          "SIGNER_KEYSTORE",
		"keystore-password": "SIGNER_KEYSTORE_PASSWORD",
		"remote":            "SIGNER_REMOTE_ADDR",
		"chain-id":          "CHAIN_ID",
		"scheme":            "SIGNING_SCHEME",
	} {
		_ = v.BindEnv(key, env)
	}

	root.AddCommand(
		newAddressCmd(v),
		newDigestCmd(v),
		newSignCmd(v),
		newVerifyCmd(v),
		newAuthHeadersCmd(v),
	)
	return root
}

// ── address ─────────────────────────────────────────────────────────────────

func newAddressCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveAuthority(cmd.Context(), v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.Address().Hex())
			return nil
		},
	}
}

// ── digest ──────────────────────────────────────────────────────────────────

func newDigestCmd(v *viper.Viper) *cobra.Command {
	var (
		msgPath   string
		typedData bool
	)
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Compute the digest of a message without signing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, d, err := domainFor(v)
			if err != nil {
				return err
			}
			msg, err := readMessage(cmd, s, msgPath)
			if err != nil {
				return err
			}
			if typedData {
				return writeJSON(cmd.OutOrStdout(), voucher.AsTypedData(s, d, msg))
			}
			digest, err := voucher.Digest(d, s, msg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"primaryType": s.PrimaryType,
				"domain":      d,
				"separator":   d.Separator().Hex(),
				"digest":      digest.Hex(),
			})
		},
	}
	cmd.Flags().StringVar(&msgPath, "message", "-", "message JSON file, - for stdin")
	cmd.Flags().BoolVar(&typedData, "typed-data", false, "print the eth_signTypedData_v4 payload instead")
	return cmd
}

// ── sign ────────────────────────────────────────────────────────────────────

func newSignCmd(v *viper.Viper) *cobra.Command {
	var msgPath string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a message and print the voucher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, d, err := domainFor(v)
			if err != nil {
				return err
			}
			msg, err := readMessage(cmd, s, msgPath)
			if err != nil {
				return err
			}
			scheme, err := voucher.SchemeByName(v.GetString("scheme"))
			if err != nil {
				return err
			}
			a, err := resolveAuthority(cmd.Context(), v)
			if err != nil {
				return err
			}
			params := voucher.DomainParams{
				Name:              d.Name,
				Version:           d.Version,
				ChainID:           d.ChainID,
				VerifyingContract: d.VerifyingContract,
			}
			vc, err := voucher.CreateVoucher(cmd.Context(), voucher.DefaultRegistry(), msg, params, a, scheme)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), vc)
		},
	}
	cmd.Flags().StringVar(&msgPath, "message", "-", "message JSON file, - for stdin")
	return cmd
}

// ── verify ──────────────────────────────────────────────────────────────────

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	var (
		path   string
		expect string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a voucher's digest and signer (replay state is not consulted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			vc, err := voucher.DefaultRegistry().ParseVoucher(raw)
			if err != nil {
				return err
			}
			s, err := voucher.DefaultRegistry().Lookup(vc.PrimaryType())
			if err != nil {
				return err
			}
			d := vc.Domain
			if d.IsZero() {
				v.Set("type", vc.PrimaryType())
				if _, d, err = domainFor(v); err != nil {
					return fmt.Errorf("voucher carries no domain: %w", err)
				}
			}
			digest, err := voucher.Digest(d, s, vc.Message)
			if err != nil {
				return err
			}
			if vc.Digest != (common.Hash{}) && vc.Digest != digest {
				return fmt.Errorf("%w: voucher says %s, message hashes to %s", voucher.ErrDigestMismatch, vc.Digest.Hex(), digest.Hex())
			}
			schemeName := vc.Scheme
			if schemeName == "" {
				schemeName = v.GetString("scheme")
			}
			scheme, err := voucher.SchemeByName(schemeName)
			if err != nil {
				return err
			}
			signer, err := voucher.RecoverSigner(scheme, digest, vc.Signature)
			if err != nil {
				return err
			}
			if expect != "" {
				if !common.IsHexAddress(expect) {
					return fmt.Errorf("invalid --expect address %q", expect)
				}
				if want := common.HexToAddress(expect); signer != want {
					return fmt.Errorf("%w: signed by %s, expected %s", voucher.ErrInvalidSignature, signer.Hex(), want.Hex())
				}
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"valid":  true,
				"signer": signer.Hex(),
				"digest": digest.Hex(),
				"scheme": scheme.Name(),
			})
		},
	}
	cmd.Flags().StringVar(&path, "voucher", "-", "voucher JSON file, - for stdin")
	cmd.Flags().StringVar(&expect, "expect", "", "fail unless signed by this address")
	return cmd
}

// ── auth-headers ────────────────────────────────────────────────────────────

func newAuthHeadersCmd(v *viper.Viper) *cobra.Command {
	var (
		action   string
		bodyPath string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "auth-headers",
		Short: "Print wallet-signature headers for a voucherd API request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			contract := v.GetString("contract")
			if !common.IsHexAddress(contract) {
				return errors.New("--contract is required")
			}
			var body []byte
			if bodyPath != "" {
				b, err := readInput(cmd, bodyPath)
				if err != nil {
					return err
				}
				body = b
			}
			a, err := resolveAuthority(cmd.Context(), v)
			if err != nil {
				return err
			}
			h, err := auth.SignHeaders(cmd.Context(), a, auth.SignedRequest{
				Action:     action,
				BodyHash:   auth.BodyHash(body),
				ExpiresAt:  time.Now().Add(ttl).Unix(),
				Nonce:      uuid.NewString(),
				ResourceID: common.HexToAddress(contract).Hex(),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range []string{auth.HeaderWalletAddress, auth.HeaderSignedMessage, auth.HeaderWalletSignature} {
				fmt.Fprintf(out, "%s: %s\n", k, h.Get(k))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "endpoint action, e.g. issue or lazy-mint")
	cmd.Flags().StringVar(&bodyPath, "body", "", "request body file, - for stdin")
	cmd.Flags().DurationVar(&ttl, "ttl", 2*time.Minute, "how long the signature stays valid")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func domainFor(v *viper.Viper) (*voucher.Schema, voucher.Domain, error) {
	s, err := voucher.DefaultRegistry().Lookup(v.GetString("type"))
	if err != nil {
		return nil, voucher.Domain{}, err
	}
	contract := v.GetString("contract")
	if !common.IsHexAddress(contract) {
		return nil, voucher.Domain{}, errors.New("--contract is required")
	}
	p := issuer.DefaultProfiles()[s.PrimaryType]
	name, version := v.GetString("name"), v.GetString("domain-version")
	if name == "" {
		name = p.Name
	}
	if version == "" {
		version = p.Version
	}
	chainID := v.GetInt64("chain-id")
	if chainID <= 0 {
		return nil, voucher.Domain{}, fmt.Errorf("invalid chain id %d", chainID)
	}
	return s, voucher.BuildDomain(name, version, big.NewInt(chainID), common.HexToAddress(contract)), nil
}

func resolveAuthority(ctx context.Context, v *viper.Viper) (voucher.Authority, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return authority.Resolve(ctx, authority.Source{
		RemoteAddr:       v.GetString("remote"),
		PrivateKeyHex:    v.GetString("key"),
		KeystorePath:     v.GetString("keystore"),
		KeystorePassword: v.GetString("keystore-password"),
		PromptPassword:   v.GetString("keystore") != "" && !v.IsSet("keystore-password"),
	})
}

func readMessage(cmd *cobra.Command, s *voucher.Schema, path string) (voucher.Message, error) {
	raw, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	return voucher.DecodeMessage(s, raw)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
