package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/provisioner/pkg/fsutil"
	"github.com/openfroyo/provisioner/pkg/stores"
)

const defaultConfig = `# Provisioner configuration

data_dir: %s
template_dir: %s

store:
  driver: %s

tool:
  binary: terraform
  grace_period: 10s

engine:
  max_concurrent: 0
  tail_lines: 20

credentials:
  mode: azure-cli
  enrich: true

server:
  listen: ":8080"
  allow_reveal: false

archive:
  kind: local
  # sftp:
  #   addr: backup.internal:22
  #   user: provisioner
  #   key_file: %s
  #   known_hosts_file: ~/.ssh/known_hosts
  #   dir: /srv/backups

telemetry:
  logging:
    level: info
    format: console
`

const exampleParameters = `# Deployment parameters for "provisioner create -f"
resource_group_base: demo
location: eastus
include_search: false
enable_model_deployment: true
openai_model_name: gpt-4o
openai_model_version: "2024-11-20"
openai_deployment_sku: GlobalStandard
service_principal_name: sp-demo
secret_expiration_date: "2027-01-01"
`

func newInitCommand() *cobra.Command {
	var (
		dataDir     string
		templateDir string
		driver      string
		archiveKey  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a provisioner directory",
		Long: `Initialize the data directory, a configuration file and an example
parameter file.

With --archive-key an ed25519 key pair is generated for the SFTP backup
archive; install the public half on the backup host.`,
		Example: `  # Initialize in the current directory
  provisioner init

  # Use the sqlite store and generate an archive key
  provisioner init --store sqlite --archive-key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = "./provisioner.yaml"
			}
			if fsutil.Exists(cfgFile) {
				return fmt.Errorf("%s already exists", cfgFile)
			}

			log.Info().Str("data_dir", dataDir).Str("store", driver).Msg("Initializing")

			dirs := []string{
				dataDir,
				filepath.Join(dataDir, "workspaces"),
				filepath.Join(dataDir, "logs"),
				filepath.Join(dataDir, "keys"),
				templateDir,
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			store, err := stores.Open(ctx, stores.OpenConfig{
				Driver:  driver,
				DataDir: dataDir,
				DSN:     sqlitePath(driver, dataDir),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized %s store\n", driver)

			keyPath := filepath.Join(dataDir, "keys", "archive-ed25519")
			if archiveKey {
				created, err := generateKeyPair(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			content := fmt.Sprintf(defaultConfig, dataDir, templateDir, driver, keyPath)
			if err := fsutil.WriteFileAtomic(cfgFile, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", cfgFile)

			paramsFile := filepath.Join(filepath.Dir(cfgFile), "params.example.yaml")
			if !fsutil.Exists(paramsFile) {
				if err := fsutil.WriteFileAtomic(paramsFile, []byte(exampleParameters), 0o644); err != nil {
					return fmt.Errorf("failed to write example parameters: %w", err)
				}
				fmt.Fprintf(out, "✓ Created example parameters: %s\n", paramsFile)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Put the terraform templates in %s\n", templateDir)
			fmt.Fprintf(out, "  2. Log in with: az login\n")
			fmt.Fprintf(out, "  3. Create a deployment:\n")
			fmt.Fprintf(out, "     provisioner create -f %s\n", paramsFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory")
	cmd.Flags().StringVar(&templateDir, "template-dir", "./terraform", "terraform template directory")
	cmd.Flags().StringVar(&driver, "store", stores.DriverFile, "record store (file or sqlite)")
	cmd.Flags().BoolVar(&archiveKey, "archive-key", false, "generate an SSH key for the SFTP archive")

	return cmd
}

func sqlitePath(driver, dataDir string) string {
	if driver != stores.DriverSQLite {
		return ""
	}
	return filepath.Join(dataDir, "provisioner.db")
}

// generateKeyPair writes an OpenSSH ed25519 key pair unless one exists.
func generateKeyPair(keyPath string) (bool, error) {
	if fsutil.Exists(keyPath) {
		return false, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "provisioner archive")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := fsutil.WriteFileAtomic(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
