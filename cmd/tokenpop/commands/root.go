// Package commands implements tokenpop, manual tooling for the blind token
// exchange: key generation, blinding, signing, unblinding and verification.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"marinvpn/pkg/crypto"
)

func Execute() error {
	return newRoot(os.Stdout).Execute()
}

func newRoot(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "tokenpop",
		Short:        "Blind token tooling",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(keygenCmd(), blindCmd(), signCmd(), unblindCmd(), verifyCmd())
	return root
}

func keygenCmd() *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a blind signing keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.NewBlindSigner(bits)
			if err != nil {
				return err
			}
			priv, err := signer.PrivateKeyPEM()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"private_key": priv,
				"public_key":  signer.PublicKeyPEM(),
			})
		},
	}
	cmd.Flags().IntVar(&bits, "bits", crypto.BlindKeyBits, "RSA modulus size")
	return cmd
}

func blindCmd() *cobra.Command {
	var pubPath string
	cmd := &cobra.Command{
		Use:   "blind",
		Short: "Draw a token message and blind it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := readPublicKey(pubPath)
			if err != nil {
				return err
			}
			msg, err := crypto.NewTokenMessage()
			if err != nil {
				return err
			}
			blinded, st, err := crypto.Blind(pub, msg)
			crypto.Wipe(msg)
			if err != nil {
				return err
			}
			defer st.Wipe()
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"message":         st.MessageBase64(),
				"blinded_message": blinded,
				"blinding_factor": st.FactorBase64(),
			})
		},
	}
	cmd.Flags().StringVar(&pubPath, "public-key", "", "path to the signer's PEM public key")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}

func signCmd() *cobra.Command {
	var privPath, blinded string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a blinded message with a local key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(privPath)
			if err != nil {
				return err
			}
			signer, err := crypto.ParseBlindSigner(string(b))
			if err != nil {
				return err
			}
			signed, err := signer.SignBlinded(blinded)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"signed_blinded_message": signed})
		},
	}
	cmd.Flags().StringVar(&privPath, "private-key", "", "path to the PEM signing key")
	cmd.Flags().StringVar(&blinded, "blinded", "", "base64 blinded message")
	_ = cmd.MarkFlagRequired("private-key")
	_ = cmd.MarkFlagRequired("blinded")
	return cmd
}

func unblindCmd() *cobra.Command {
	var pubPath, message, factor, signed string
	cmd := &cobra.Command{
		Use:   "unblind",
		Short: "Unblind a signed blinded message into a token signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := readPublicKey(pubPath)
			if err != nil {
				return err
			}
			st, err := crypto.RestoreBlindingState(pub, message, factor)
			if err != nil {
				return err
			}
			defer st.Wipe()
			sig, err := st.Unblind(signed)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"message":   st.MessageBase64(),
				"signature": sig,
			})
		},
	}
	cmd.Flags().StringVar(&pubPath, "public-key", "", "path to the signer's PEM public key")
	cmd.Flags().StringVar(&message, "message", "", "base64 token message from blind")
	cmd.Flags().StringVar(&factor, "factor", "", "base64 blinding factor from blind")
	cmd.Flags().StringVar(&signed, "signed", "", "base64 signed blinded message")
	for _, f := range []string{"public-key", "message", "factor", "signed"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	var pubPath, message, signature string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a token signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := readPublicKey(pubPath)
			if err != nil {
				return err
			}
			msg, err := decode(message)
			if err != nil {
				return fmt.Errorf("message: %w", err)
			}
			sig, err := decode(signature)
			if err != nil {
				return fmt.Errorf("signature: %w", err)
			}
			valid := crypto.VerifyBlindSignature(pub, msg, sig)
			if err := writeJSON(cmd.OutOrStdout(), map[string]bool{"valid": valid}); err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("signature does not verify")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "public-key", "", "path to the signer's PEM public key")
	cmd.Flags().StringVar(&message, "message", "", "base64 token message")
	cmd.Flags().StringVar(&signature, "signature", "", "base64 token signature")
	for _, f := range []string{"public-key", "message", "signature"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
