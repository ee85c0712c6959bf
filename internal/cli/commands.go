package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	linkid "github.com/linkgenetic/linkid-go"
)

func (a *app) resolveCommand() *cobra.Command {
	var (
		format, language, version, at string
		metadata, bypass              bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <linkid>",
		Short: "Resolve an identifier to its target or metadata record",
		Example: `  linkid resolve linkid:7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24
  linkid resolve 7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24 --format application/pdf --lang en
  linkid resolve 7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24 --metadata -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []linkid.ResolveOption{}
			if format != "" {
				opts = append(opts, linkid.WithFormat(format))
			}
			if language != "" {
				opts = append(opts, linkid.WithLanguage(language))
			}
			if version != "" {
				opts = append(opts, linkid.WithVersion(version))
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return &linkid.Error{Kind: linkid.KindValidation, Message: fmt.Sprintf("--at must be RFC 3339: %v", err)}
				}
				opts = append(opts, linkid.WithTimestamp(ts))
			}
			if metadata {
				opts = append(opts, linkid.WithMetadata())
			}
			if bypass {
				opts = append(opts, linkid.WithBypassCache())
			}

			res, err := a.client.Resolve(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), a.cfg.Output, res)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "preferred media type")
	cmd.Flags().StringVar(&language, "lang", "", "preferred language")
	cmd.Flags().StringVar(&version, "version", "", "specific version")
	cmd.Flags().StringVar(&at, "at", "", "resolve as of an RFC 3339 timestamp")
	cmd.Flags().BoolVar(&metadata, "metadata", false, "return the full metadata record")
	cmd.Flags().BoolVar(&bypass, "bypass-cache", false, "skip the cache lookup")
	return cmd
}

func (a *app) registerCommand() *cobra.Command {
	var req linkid.RegisterRequest
	var metadata map[string]string
	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register a new identifier for a target URI",
		Example: `  linkid register --target https://example.org/paper.pdf --media-type application/pdf`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(metadata) > 0 {
				req.Metadata = make(map[string]any, len(metadata))
				for k, v := range metadata {
					req.Metadata[k] = v
				}
			}
			reg, err := a.client.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), a.cfg.Output, reg)
		},
	}
	cmd.Flags().StringVar(&req.TargetURI, "target", "", "target URI (http or https)")
	cmd.Flags().StringVar(&req.MediaType, "media-type", "", "media type of the target")
	cmd.Flags().StringVar(&req.Language, "language", "", "language of the target")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (a *app) updateCommand() *cobra.Command {
	var req linkid.UpdateRequest
	cmd := &cobra.Command{
		Use:     "update <linkid>",
		Short:   "Update the target of an identifier",
		Example: `  linkid update 7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24 --target https://example.org/v2.pdf`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := a.client.Update(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if record == nil {
				return encode(cmd.OutOrStdout(), a.cfg.Output, map[string]any{"updated": true, "linkId": args[0]})
			}
			return encode(cmd.OutOrStdout(), a.cfg.Output, record)
		},
	}
	cmd.Flags().StringVar(&req.TargetURI, "target", "", "new target URI")
	cmd.Flags().StringVar(&req.MediaType, "media-type", "", "media type of the target")
	cmd.Flags().StringVar(&req.Language, "language", "", "language of the target")
	return cmd
}

func (a *app) withdrawCommand() *cobra.Command {
	var req linkid.WithdrawRequest
	cmd := &cobra.Command{
		Use:     "withdraw <linkid>",
		Short:   "Withdraw an identifier, leaving a tombstone",
		Example: `  linkid withdraw 7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24 --reason "duplicate of linkid:..."`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Withdraw(cmd.Context(), args[0], req); err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), a.cfg.Output, map[string]any{"withdrawn": true, "linkId": args[0]})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason recorded in the tombstone")
	cmd.Flags().StringVar(&req.Contact, "contact", "", "contact recorded in the tombstone")
	cmd.Flags().StringVar(&req.AlternativeLocation, "alternative", "", "where the content can now be found")
	return cmd
}

func (a *app) discoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <domain>",
		Short: "List the resolvers a domain advertises",
		Long: `discover fetches https://<domain>/.well-known/linkid-resolver and prints the
resolver base URLs in preference order. The default resolver is printed when
the domain advertises none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolvers := a.client.Discover(cmd.Context(), args[0])
			return encode(cmd.OutOrStdout(), a.cfg.Output, map[string]any{
				"domain":    args[0],
				"resolvers": resolvers,
			})
		},
	}
}
