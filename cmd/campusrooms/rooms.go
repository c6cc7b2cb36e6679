package main

import (
	"fmt"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms list
	roomsListCity      string
	roomsListMinPrice  float64
	roomsListMaxPrice  float64
	roomsListAvailable bool
	roomsListJSON      bool

	// rooms show
	roomsShowJSON bool

	// rooms favorite
	roomsFavoriteRemove bool
)

// ============================================================================
// Root rooms command
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Browse rooms",
	Long:  "List and inspect rooms offered on the marketplace.",
}

// ============================================================================
// rooms list
// ============================================================================

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms matching the filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient(cfg)

		ctx, cancel := requestContext()
		defer cancel()

		filters := &campusrooms.RoomFilters{
			City:     roomsListCity,
			MinPrice: roomsListMinPrice,
			MaxPrice: roomsListMaxPrice,
		}
		if cmd.Flags().Changed("available") {
			filters.Available = &roomsListAvailable
		}

		rooms, err := client.Rooms.List(ctx, filters)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsListJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms found.")
			return nil
		}
		for _, r := range rooms {
			fmt.Println(formatRoom(r))
		}
		return nil
	},
}

// ============================================================================
// rooms show
// ============================================================================

var roomsShowCmd = &cobra.Command{
	Use:   "show <room-id>",
	Short: "Show one room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient(cfg)

		ctx, cancel := requestContext()
		defer cancel()

		room, err := client.Rooms.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if roomsShowJSON {
			return printJSON(room)
		}
		fmt.Printf("ID:        %s\n", room.ID)
		fmt.Printf("Number:    %s\n", valueOrDefault(room.Number, "N/A"))
		fmt.Printf("Title:     %s\n", room.Title)
		fmt.Printf("City:      %s\n", room.City)
		fmt.Printf("Price:     %.2f\n", room.Price)
		fmt.Printf("Available: %v\n", room.Available)
		return nil
	},
}

// ============================================================================
// rooms cities
// ============================================================================

var roomsCitiesCmd = &cobra.Command{
	Use:   "cities",
	Short: "List cities with rooms on offer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := requestContext()
		defer cancel()

		cities, err := getClient(cfg).Rooms.Cities(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, c := range cities {
			fmt.Printf("  %s\n", c)
		}
		return nil
	},
}

// ============================================================================
// rooms favorite
// ============================================================================

var roomsFavoriteCmd = &cobra.Command{
	Use:   "favorite <room-id>",
	Short: "Add a room to your favorites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		if roomsFavoriteRemove {
			if err := client.Users.RemoveFavorite(ctx, args[0]); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Room %s removed from favorites\n", args[0])
			return nil
		}
		if err := client.Users.AddFavorite(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Room %s added to favorites\n", args[0])
		return nil
	},
}

func formatRoom(r campusrooms.Room) string {
	avail := "available"
	if !r.Available {
		avail = "taken"
	}
	return fmt.Sprintf("  %s: room %s, %s, %.2f/month (%s)", r.ID, valueOrDefault(r.Number, "N/A"), r.City, r.Price, avail)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	roomsListCmd.Flags().StringVar(&roomsListCity, "city", "", "Filter by city")
	roomsListCmd.Flags().Float64Var(&roomsListMinPrice, "min-price", 0, "Minimum monthly price")
	roomsListCmd.Flags().Float64Var(&roomsListMaxPrice, "max-price", 0, "Maximum monthly price")
	roomsListCmd.Flags().BoolVar(&roomsListAvailable, "available", false, "Only rooms that are (or are not) available")
	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "Output JSON")

	roomsShowCmd.Flags().BoolVar(&roomsShowJSON, "json", false, "Output JSON")

	roomsFavoriteCmd.Flags().BoolVar(&roomsFavoriteRemove, "remove", false, "Remove instead of add")

	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsShowCmd)
	roomsCmd.AddCommand(roomsCitiesCmd)
	roomsCmd.AddCommand(roomsFavoriteCmd)

	rootCmd.AddCommand(roomsCmd)
}
