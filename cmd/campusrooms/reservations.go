package main

import (
	"fmt"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

var reservationsListJSON bool

var reservationsCmd = &cobra.Command{
	Use:     "reservations",
	Aliases: []string{"res"},
	Short:   "Manage reservations",
	Long:    "Students request and cancel reservations; owners confirm or decline requests for their rooms.",
}

// ============================================================================
// reservations list
// ============================================================================

var reservationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your reservations (owners: requests for your rooms)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		var res []campusrooms.Reservation
		switch campusrooms.Role(cfg.Auth.Role) {
		case campusrooms.RoleOwner:
			res, err = client.Reservations.ForOwner(ctx)
		case campusrooms.RoleAdmin:
			res, err = client.Admin.Reservations(ctx)
		default:
			res, err = client.Reservations.Mine(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if reservationsListJSON {
			return printJSON(res)
		}
		if len(res) == 0 {
			fmt.Println("No reservations found.")
			return nil
		}
		for _, r := range res {
			fmt.Println(formatReservation(r))
		}
		return nil
	},
}

// ============================================================================
// reservations create / cancel
// ============================================================================

var reservationsCreateCmd = &cobra.Command{
	Use:   "create <room-id>",
	Short: "Request a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		r, err := client.Reservations.Create(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Reservation %s created (%s)\n", r.ID, r.Status)
		return nil
	},
}

var reservationsCancelCmd = &cobra.Command{
	Use:   "cancel <reservation-id>",
	Short: "Cancel one of your reservations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Reservations.Cancel(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Reservation %s cancelled\n", args[0])
		return nil
	},
}

// ============================================================================
// reservations confirm / decline (owners)
// ============================================================================

func ownerDecision(status campusrooms.ReservationStatus) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, client, err := getAuthClient()
		if err != nil {
			return err
		}
		if campusrooms.Role(cfg.Auth.Role) != campusrooms.RoleOwner {
			return fmt.Errorf("only room owners can %s reservations", cmd.Name())
		}

		ctx, cancel := requestContext()
		defer cancel()

		r, err := client.Reservations.UpdateStatus(ctx, args[0], status)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Reservation %s is now %s\n", r.ID, r.Status)
		return nil
	}
}

var reservationsConfirmCmd = &cobra.Command{
	Use:   "confirm <reservation-id>",
	Short: "Confirm a reservation request for one of your rooms",
	Args:  cobra.ExactArgs(1),
	RunE:  ownerDecision(campusrooms.ReservationConfirmed),
}

var reservationsDeclineCmd = &cobra.Command{
	Use:   "decline <reservation-id>",
	Short: "Decline a reservation request for one of your rooms",
	Args:  cobra.ExactArgs(1),
	RunE:  ownerDecision(campusrooms.ReservationCancelled),
}

func formatReservation(r campusrooms.Reservation) string {
	number := "N/A"
	if r.Room != nil && r.Room.Number != "" {
		number = r.Room.Number
	}
	created := ""
	if !r.CreatedAt.IsZero() {
		created = " since " + r.CreatedAt.Format("02/01/2006")
	}
	return fmt.Sprintf("  %s: room %s, %s%s", r.ID, number, r.Status, created)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	reservationsListCmd.Flags().BoolVar(&reservationsListJSON, "json", false, "Output JSON")

	reservationsCmd.AddCommand(reservationsListCmd)
	reservationsCmd.AddCommand(reservationsCreateCmd)
	reservationsCmd.AddCommand(reservationsCancelCmd)
	reservationsCmd.AddCommand(reservationsConfirmCmd)
	reservationsCmd.AddCommand(reservationsDeclineCmd)

	rootCmd.AddCommand(reservationsCmd)
}
