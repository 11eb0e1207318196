package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"

	"github.com/outflowhq/outflow/pkg/clients/campaigns"
	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/resilient"
)

var validate *validator.Validate

var ErrInvalidCampaigns = errors.New("invalid campaign configurations found")

// NewValidateCommand checks every ongoing campaign against the admission
// requirements: well-formed budget amounts and at least one configured
// limit. Campaigns failing here would be refused on every poll tick.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate ongoing campaign configurations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "campaigns-url",
				Usage:    "Base URL of the campaigns service",
				Required: true,
				Sources:  cli.EnvVars("CAMPAIGNS_URL"),
			},
			&cli.StringFlag{
				Name:    "campaigns-api-key",
				Usage:   "API key for the campaigns service",
				Sources: cli.EnvVars("CAMPAIGNS_API_KEY"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			validate = validator.New(validator.WithRequiredStructEnabled())

			logger := slog.With(
				"module", "outflow-engine",
				"action", "validate",
			)

			rc := resilient.NewClient(logger)
			campaignSvc := campaigns.NewClient(
				command.String("campaigns-url"),
				command.String("campaigns-api-key"),
				rc,
			)

			ongoing, err := campaignSvc.ListOngoing(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch campaigns: %w", err)
			}

			logger.Info("Validating campaign configurations", "campaigns", len(ongoing))

			_, _ = fmt.Fprintln(os.Stdout, "Campaign Configuration Validation Results:")
			_, _ = fmt.Fprintln(os.Stdout, "==========================================")

			valid := 0
			invalid := 0

			for _, campaign := range ongoing {
				_, _ = fmt.Fprintf(os.Stdout, "\nCampaign: %s (org %s)\n", campaign.ID, campaign.OrganizationID)

				problems := validateCampaign(campaign)
				if len(problems) == 0 {
					_, _ = fmt.Fprintf(os.Stdout, "  ✅ VALID\n")
					valid++

					continue
				}

				for _, problem := range problems {
					_, _ = fmt.Fprintf(os.Stdout, "  ❌ INVALID: %s\n", problem)
				}

				invalid++
			}

			_, _ = fmt.Fprintf(os.Stdout, "\nValidation Summary:\n")
			_, _ = fmt.Fprintf(os.Stdout, "  Total campaigns: %d\n", valid+invalid)
			_, _ = fmt.Fprintf(os.Stdout, "  Valid: %d\n", valid)
			_, _ = fmt.Fprintf(os.Stdout, "  Invalid: %d\n", invalid)

			if invalid > 0 {
				return fmt.Errorf("%w: %d", ErrInvalidCampaigns, invalid)
			}

			_, _ = fmt.Fprintln(os.Stdout, "All ongoing campaigns are admissible! ✅")

			return nil
		},
	}
}

func validateCampaign(campaign *models.Campaign) []string {
	var problems []string

	if err := validate.Struct(campaign); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			problems = append(problems, validationErrors.Error())
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !campaign.HasBudgetLimit() {
		problems = append(problems, "no budget limit configured; admission will always refuse")
	}

	budgets := map[string]string{
		"daily":   campaign.MaxBudgetDailyUSD,
		"weekly":  campaign.MaxBudgetWeeklyUSD,
		"monthly": campaign.MaxBudgetMonthlyUSD,
		"total":   campaign.MaxBudgetTotalUSD,
	}

	for label, amount := range budgets {
		if amount == "" {
			continue
		}

		if _, err := models.ParseUSD(amount); err != nil {
			problems = append(problems, fmt.Sprintf("malformed %s budget %q: %v", label, amount, err))
		}
	}

	if campaign.MaxLeads > 0 && campaign.BrandID == "" {
		problems = append(problems, "max_leads set without a brand id; volume cap cannot be evaluated")
	}

	return problems
}
