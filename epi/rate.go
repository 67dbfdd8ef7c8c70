/*
Copyright © 2020 the tempmort authors.
This file is part of tempmort.

tempmort is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

tempmort is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with tempmort.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package epi holds functions for converting between mortality counts and
// mortality rates.
package epi

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Per is the population size that rates are expressed relative to.
const Per = 100000.

// Rate returns the mortality rate per 100,000 people for the given
// number of deaths in a population. Rates that are infinite or undefined
// because the population is zero are returned as NaN.
func Rate(deaths, population float64) float64 {
	r := Per * deaths / population
	if math.IsInf(r, 0) {
		return math.NaN()
	}
	return r
}

// RegionalRate returns the mortality rate per 100,000 people across a
// set of locations, where deaths and population give the deaths and
// number of people in each location.
func RegionalRate(deaths, population []float64) float64 {
	return Rate(floats.Sum(deaths), floats.Sum(population))
}

// Excess returns the number of additional deaths in a population of
// the given size caused by a change in the mortality rate of rateChange
// deaths per 100,000 people.
func Excess(population, rateChange float64) float64 {
	return population * rateChange / Per
}
