package cli

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopgate/loopgate/internal/model"
	"github.com/loopgate/loopgate/internal/quorum"
)

var (
	keygenOut   string
	endorseKey  string
	endorseName string
	endorseRole string
	endorseSeq  uint64
)

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "authority.key", "file to write the private key seed (hex)")
	endorseCmd.Flags().StringVar(&endorseKey, "key", "", "authority private key file from `loopgate keygen`")
	endorseCmd.Flags().StringVar(&endorseName, "name", "", "registered authority name")
	endorseCmd.Flags().StringVar(&endorseRole, "role", "", "quorum role the authority holds")
	endorseCmd.Flags().Uint64Var(&endorseSeq, "seq", 0, "chain position the reset targets")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(endorseCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an authority keypair for reset ceremonies",
	Long:  "Writes the private key seed to a file and prints the public key line for the authorities registry.",
	RunE:  runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}

	seed := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(keygenOut, []byte(seed+"\n"), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	fmt.Printf("Private key written to %s\n", keygenOut)
	fmt.Printf("Registry entry:\n  - name: <authority-name>\n    role: <quorum-role>\n    public_key: %s\n",
		base64.StdEncoding.EncodeToString(pub))
	return nil
}

var endorseCmd = &cobra.Command{
	Use:   "endorse <session>",
	Short: "Sign a reset-ceremony endorsement",
	Long: "Signs the reset subject for a latched session at its current chain position " +
		"and prints the endorsement JSON for the loopgate_resume tool.",
	Args: cobra.ExactArgs(1),
	RunE: runEndorse,
}

func runEndorse(cmd *cobra.Command, args []string) error {
	if endorseKey == "" || endorseName == "" || endorseRole == "" {
		return fmt.Errorf("--key, --name, and --role are required")
	}
	if endorseSeq == 0 {
		return fmt.Errorf("--seq is required: the session's current chain position (see loopgate export)")
	}
	role, err := model.ParseRole(endorseRole)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(endorseKey)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil {
		return fmt.Errorf("parse key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	e := quorum.Endorse(priv, endorseName, role, quorum.ResetSubject(args[0], endorseSeq))
	out, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
