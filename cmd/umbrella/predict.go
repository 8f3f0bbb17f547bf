package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/umbrella-service/internal/observability"
	"github.com/kjstillabower/umbrella-service/internal/validation"
)

var errThresholdNotPositive = errors.New("threshold must be a positive number")

type predictOptions struct {
	threshold float64
	flush     bool
}

func newPredictCmd(root *rootOptions) *cobra.Command {
	opts := &predictOptions{}
	cmd := &cobra.Command{
		Use:   "predict [city]",
		Short: "Print one umbrella prediction",
		Long:  "Print the umbrella prediction for city (default: prediction.default_city).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePredictThreshold(cmd, opts.threshold); err != nil {
				return err
			}

			logger, err := newLogger(root)
			if err != nil {
				return err
			}
			defer func() { _ = observability.FlushTelemetry(cmd.Context(), logger) }()

			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			city := cfg.DefaultCity
			if len(args) == 1 {
				if city, err = validation.ValidateCity(args[0], 0); err != nil {
					return err
				}
			}
			threshold := cfg.HumidityThreshold
			if cmd.Flags().Changed("threshold") {
				threshold = opts.threshold
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()
			}
			logger.Debug("predicting", zap.String("city", city), zap.Float64("threshold", threshold), zap.Bool("flush", opts.flush))
			fmt.Fprintln(cmd.OutOrStdout(), a.predictor.GetPrediction(ctx, city, threshold, opts.flush))
			return nil
		},
	}
	cmd.Flags().Float64VarP(&opts.threshold, "threshold", "t", 70, "humidity percentage above which a day needs an umbrella")
	cmd.Flags().BoolVar(&opts.flush, "flush", false, "evict the cached forecast before predicting")
	return cmd
}

// validatePredictThreshold rejects non-positive or out-of-range thresholds given on the command line.
func validatePredictThreshold(cmd *cobra.Command, v float64) error {
	if !cmd.Flags().Changed("threshold") {
		return nil
	}
	if v <= 0 {
		return errThresholdNotPositive
	}
	return validation.ValidateThreshold(v)
}
