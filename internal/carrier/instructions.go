package carrier

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/quotebot/internal/booking"
)

func (m *Maersk) loginInstruction() string {
	return fmt.Sprintf(`Open %s and log in.
1. If a cookie consent dialog is shown, click "Allow all".
2. If a modal such as "Explore our new menu!" is shown, close it with "Got it".
3. If the page already shows a signed-in account and the booking form, there is nothing to do: report done.
4. Otherwise click "Log in" if needed, type {{%s}} into the Username field and {{%s}} into the Password field, then submit with "Log in".
5. Report done once the login form was submitted and the page moved on.
If the page shows an error such as "Invalid username or password", "403", "Forbidden", "Access denied" or "Session expired", report fail and quote the error text.`,
		m.bookingURL(), secretUsername, secretPassword)
}

func (m *Maersk) manualLoginInstruction() string {
	return fmt.Sprintf(`Prepare the Maersk portal for a person to sign in by hand.
1. If the page is not on maersk.com, open %s.
2. If a cookie consent dialog is shown, click "Allow all".
3. If a modal such as "Explore our new menu!" is shown, close it with "Got it".
Do not type into any username or password field.
Report done once the page has loaded.`, m.bookingURL())
}

const verifyLoginInstruction = `Determine whether the user is logged in to the Maersk portal.
Logged in means the page shows the user's account or the booking form without any "Log in" or "Sign in" form.
Report the current URL and copy any visible login or access error message verbatim.`

func (m *Maersk) openBookingInstruction() string {
	return fmt.Sprintf(`Make sure the new booking form is open.
If the page does not show "Your booking details" with "From (City, Country/Region)" and "To (City, Country/Region)" fields, open %s.
Close any "Got it" modal or cookie dialog that covers the form.
Report done once the From and To fields are visible.`, m.bookingURL())
}

func routeInstruction(d booking.Details) string {
	return fmt.Sprintf(`Fill the route on the booking form.
1. In "From (City, Country/Region)" type %q, wait for the suggestion list, and click the suggestion for %s.
2. In "To (City, Country/Region)" type %q, wait for the suggestion list, and click the suggestion for %s.
Report done when both fields show the selected locations.`,
		d.Origin.String(), d.Origin.City, d.Destination.String(), d.Destination.City)
}

func transportInstruction(d booking.Details) string {
	origin := "I will arrange to deliver the container to the port/inland location"
	if d.OriginTransport.Type == booking.TransportSD {
		origin = "I want Maersk to pick up the container at my facility"
	}
	destination := "I will arrange for pick up of the container from the port/inland location"
	if d.DestinationTransport.Type == booking.TransportSD {
		destination = "I want Maersk to deliver the container at my facility"
	}
	return fmt.Sprintf(`Set the inland transportation options.
1. For the origin, select the radio option %q.
2. For the destination, select the radio option %q.
Report done when both options are selected.`, origin, destination)
}

func cargoInstruction(d booking.Details) string {
	var sb strings.Builder
	sb.WriteString("Fill the cargo details on the booking form.\n")
	fmt.Fprintf(&sb, "1. In the commodity field (\"Type in minimum 2 characters\") type %q and click the matching suggestion.\n", d.Commodity)
	fmt.Fprintf(&sb, "2. The checkbox \"This cargo requires temperature control\" must be %s.\n", checkedWord(d.RequiresTemperatureControl))
	fmt.Fprintf(&sb, "3. The checkbox \"This cargo is considered dangerous\" must be %s.\n", checkedWord(d.IsDangerousCargo))

	step := 4
	for i, c := range d.Containers {
		if i > 0 {
			fmt.Fprintf(&sb, "%d. Add another container line.\n", step)
			step++
		}
		fmt.Fprintf(&sb, "%d. Container line %d: size/type %s %s, quantity %d, cargo weight per container %.0f kg.\n",
			step, i+1, c.Size, c.Type, c.Quantity, c.WeightKg)
		step++
	}

	fmt.Fprintf(&sb, "%d. Set the earliest departure / ready date to %s (%s).\n",
		step, d.ReadyDate.Format("2 January 2006"), d.ReadyDate.Format("2006-01-02"))
	step++
	if d.IsPriceOwner {
		fmt.Fprintf(&sb, "%d. Choose that I am the price owner.\n", step)
	} else {
		fmt.Fprintf(&sb, "%d. Choose that I am not the price owner.\n", step)
	}
	sb.WriteString("Report done when every field above is filled.")
	return sb.String()
}

func checkedWord(on bool) string {
	if on {
		return "checked"
	}
	return "unchecked"
}

const searchInstruction = `Submit the booking form to get prices.
Click "Continue to book" (or "Search" / "See prices") and wait until the price overview lists offers.
If the page says no prices or schedules are available, report fail and quote the message.
Report done once at least one offer with a price is visible.`

func extractInstruction(d booking.Details) string {
	return fmt.Sprintf(`Extract every offer listed on the price overview for %s to %s.
For each offer give the product or service name, the container type, the total price as a number, its ISO currency code, the transit time in days, the departure date and the offer expiry date when shown.`,
		d.Origin.String(), d.Destination.String())
}
