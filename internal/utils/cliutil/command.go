package cliutil

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// CommandConfig describes a cobra command and its flags.
type CommandConfig struct {
	Use     string
	Short   string
	Long    string
	Example string
	Args    cobra.PositionalArgs

	RunFunc func(cmd *cobra.Command, args []string) error

	Flags map[string]Flag
}

// Flag is a command line flag. Only the default matching Type is used.
type Flag struct {
	Type        FlagType
	Shorthand   string
	Description string
	Required    bool

	DefaultString   string
	DefaultInt      int
	DefaultInt64    int64
	DefaultBool     bool
	DefaultDuration time.Duration
	DefaultStrings  []string
}

type FlagType int

const (
	FlagTypeString FlagType = iota
	FlagTypeInt
	FlagTypeInt64
	FlagTypeBool
	FlagTypeDuration
	FlagTypeStringSlice
)

// CreateCommand builds a cobra command from config. Usage is not printed for
// errors returned by RunFunc.
func CreateCommand(config CommandConfig, log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          config.Use,
		Short:        config.Short,
		Long:         config.Long,
		Example:      config.Example,
		Args:         config.Args,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.RunFunc != nil {
				return config.RunFunc(cmd, args)
			}
			return nil
		},
	}

	for name, flag := range config.Flags {
		switch flag.Type {
		case FlagTypeString:
			cmd.Flags().StringP(name, flag.Shorthand, flag.DefaultString, flag.Description)
		case FlagTypeInt:
			cmd.Flags().IntP(name, flag.Shorthand, flag.DefaultInt, flag.Description)
		case FlagTypeInt64:
			cmd.Flags().Int64P(name, flag.Shorthand, flag.DefaultInt64, flag.Description)
		case FlagTypeBool:
			cmd.Flags().BoolP(name, flag.Shorthand, flag.DefaultBool, flag.Description)
		case FlagTypeDuration:
			cmd.Flags().DurationP(name, flag.Shorthand, flag.DefaultDuration, flag.Description)
		case FlagTypeStringSlice:
			cmd.Flags().StringSliceP(name, flag.Shorthand, flag.DefaultStrings, flag.Description)
		}

		if flag.Required {
			if err := cmd.MarkFlagRequired(name); err != nil {
				log.Error().Err(err).Str("flag", name).Msg("Failed to mark flag as required")
			}
		}
	}

	return cmd
}
