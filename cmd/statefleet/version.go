package main

const version = "0.3.0"
