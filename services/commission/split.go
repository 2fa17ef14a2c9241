package commission

// Split divides a gross amount three ways using integer minor units. Both
// cuts floor; merchant_net absorbs the rounding slack so the three parts
// always sum back to gross exactly.
func Split(grossMinor, influencerRatePercent, platformRatePercent int64) (influencer, platform, merchantNet int64) {
	influencer = grossMinor * influencerRatePercent / 100
	platform = grossMinor * platformRatePercent / 100
	merchantNet = grossMinor - influencer - platform
	return influencer, platform, merchantNet
}
