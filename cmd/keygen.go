package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pqchat/crypto"
	"pqchat/engine"
)

const flagExport = "export"

func newKeygenCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) the local identity keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User ID:         %s\n", a.cfg.UserID)
			fmt.Fprintf(out, "Display Name:    %s\n", a.cfg.DisplayName)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(a.cfg.KeyFingerprint))
			fmt.Fprintf(out, "KEM Public Key:  %s\n", a.cfg.KEMPublicKeyPath)
			fmt.Fprintf(out, "Signing Key:     %s\n", a.cfg.SigningPublicKeyPath)
			fmt.Fprintf(out, "ML-DSA Key:      %s\n", a.cfg.DSAPublicKeyPath)
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)

			exportDir := v.GetString(flagKey(cmd, flagExport))
			if exportDir == "" {
				return nil
			}
			paths, err := exportPublicKeys(a, exportDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Exported:        %s\n", strings.Join(paths, ", "))
			return nil
		},
	}
	cmd.Flags().String(flagExport, "", "write public keys to this directory in peer directory layout")
	bindFlag(v, cmd, flagExport)
	return cmd
}

// exportPublicKeys writes the files a peer drops into its peers directory.
func exportPublicKeys(a *app, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	kemPath, signPath, dsaPath := engine.PeerKeyPaths(dir, a.cfg.UserID)
	if err := crypto.SaveKEMPublicKey(kemPath, a.identity.KEM.PublicKey); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(a.cfg.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing public key: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(signPath), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write signing public key: %w", err)
	}
	if err := crypto.SaveMLDSAPublicKey(dsaPath, a.identity.SigningKey.Public().MLDSA); err != nil {
		return nil, err
	}
	return []string{kemPath, signPath, dsaPath}, nil
}
