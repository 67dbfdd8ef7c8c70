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

// Package tempmort estimates a temperature–mortality dose-response curve
// from gridded climate data and county mortality records.
//
// The computation is split into packages that are run in sequence:
// overlap computes area weights between a regular lattice and a set of
// regions, aggregate collapses gridded variables onto the regions,
// rollup sums the resulting series into periods, panel joins the climate
// table with mortality and builds the design matrix, fe fits the fixed
// effects model and predict produces the dose-response curve.
// tempmortutil wires these together into a command line pipeline.
//
// This package holds the types shared by those stages: the variable
// transforms, the period-encoded time convention and the error types.
package tempmort

// Version gives the version number.
const Version = "0.3.0"
